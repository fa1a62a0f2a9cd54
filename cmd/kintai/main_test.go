package main

import (
	"testing"
	"time"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

func TestRegistrationTTLOutlivesStaleWindow(t *testing.T) {
	jobs := core.JobsConfig{TimeoutSeconds: 3600}
	ttl := registrationTTL(jobs)
	if ttl < 2*jobs.Timeout() {
		t.Fatalf("expected registration ttl of at least %s, got %s", 2*jobs.Timeout(), ttl)
	}
	if ttl <= jobs.Timeout()+time.Minute {
		t.Fatalf("registration must still be live when a starting job turns stale, got %s", ttl)
	}
}
