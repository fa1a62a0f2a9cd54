package security

import (
	"bytes"
	"context"
	"testing"
)

func TestAppKeySecretProvider_SealOpenRoundTrip(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("kintai-v1"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte(`{"user_id":"100010","password":"pw"}`)
	sealed, err := provider.Seal(context.Background(), "U123", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("pw")) {
		t.Fatalf("expected sealed payload to hide plaintext")
	}
	if !bytes.HasPrefix(sealed, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}

	opened, err := provider.Open(context.Background(), "U123", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(opened))
	}
}

func TestAppKeySecretProvider_RejectsOtherSubject(t *testing.T) {
	provider, _ := NewAppKeySecretProviderFromString("super-secret-test-key")
	sealed, err := provider.Seal(context.Background(), "U123", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := provider.Open(context.Background(), "U999", sealed); err == nil {
		t.Fatalf("expected envelope sealed for another user to fail")
	}
}

func TestAppKeySecretProvider_RejectsDifferentKey(t *testing.T) {
	issuer, _ := NewAppKeySecretProviderFromString("key-one")
	receiver, _ := NewAppKeySecretProviderFromString("key-two")
	sealed, err := issuer.Seal(context.Background(), "U1", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := receiver.Open(context.Background(), "U1", sealed); err == nil {
		t.Fatalf("expected decrypt with a different key to fail")
	}
}

func TestAppKeySecretProvider_OpensWithPreviousKey(t *testing.T) {
	old, _ := NewAppKeySecretProviderFromString("old-key", WithKeyID("v1"))
	sealed, err := old.Seal(context.Background(), "U1", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	rotated, _ := NewAppKeySecretProviderFromString("new-key",
		WithKeyID("v2"),
		WithPreviousKey("v1", []byte("old-key")),
	)
	opened, err := rotated.Open(context.Background(), "U1", sealed)
	if err != nil {
		t.Fatalf("open with previous key: %v", err)
	}
	if string(opened) != "payload" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
	if _, err := rotated.Open(context.Background(), "U1", []byte("garbage")); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}

func TestNewAppKeySecretProvider_RequiresKey(t *testing.T) {
	if _, err := NewAppKeySecretProvider([]byte("  ")); err == nil {
		t.Fatalf("expected empty key error")
	}
}
