package idempotency

import (
	"strings"
)

// Kind separates fingerprints of unrelated request shapes so that, for
// example, a trigger id can never collide with a view hash.
type Kind string

const (
	KindTrigger  Kind = "trigger"
	KindViewHash Kind = "view"
	KindEvent    Kind = "event"
)

type Key struct {
	Kind  Kind
	Value string
}

func TriggerKey(triggerID string) Key {
	return Key{Kind: KindTrigger, Value: strings.TrimSpace(triggerID)}
}

func ViewHashKey(hash string) Key {
	return Key{Kind: KindViewHash, Value: strings.TrimSpace(hash)}
}

// EventKey fingerprints a callback event. Event payloads carry no single
// stable id, so the id and the event time are combined.
func EventKey(eventID string, eventTime string) Key {
	return Key{Kind: KindEvent, Value: strings.TrimSpace(eventID) + strings.TrimSpace(eventTime)}
}

func (k Key) Valid() bool {
	return strings.TrimSpace(string(k.Kind)) != "" && strings.TrimSpace(k.Value) != ""
}

func (k Key) String() string {
	return string(k.Kind) + "#" + k.Value
}
