package gocommand

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-command"
)

type okMessage struct{}

func (okMessage) Type() string { return "kintai.command.ok" }

type invalidMessage struct{}

func (invalidMessage) Type() string { return "" }

type failingMessage struct{}

func (failingMessage) Type() string { return "kintai.command.fail" }

func (failingMessage) Validate() error { return errors.New("invalid payload") }

type dispatchMessage struct {
	ID string
}

func (dispatchMessage) Type() string { return "kintai.command.adapter_test" }

func TestValidateMessageContract(t *testing.T) {
	if err := ValidateMessageContract(okMessage{}); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
	if err := ValidateMessageContract(invalidMessage{}); err == nil {
		t.Fatalf("expected empty type to fail contract validation")
	}
	if err := ValidateMessageContract(failingMessage{}); err == nil {
		t.Fatalf("expected Validate() failure to bubble")
	}
}

func TestRegistryAndDispatchWiring(t *testing.T) {
	adapter := NewRegistryAdapter(command.NewRegistry())
	var got []string
	resolverCalls := 0

	cmd := command.CommandFunc[dispatchMessage](func(_ context.Context, msg dispatchMessage) error {
		got = append(got, msg.ID)
		return nil
	})

	subscription, err := RegisterAndSubscribe(adapter, cmd)
	if err != nil {
		t.Fatalf("register and subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	if err := adapter.AddResolver("audit", func(any, command.CommandMeta, *command.Registry) error {
		resolverCalls++
		return nil
	}); err != nil {
		t.Fatalf("add resolver: %v", err)
	}
	if !adapter.HasResolver("audit") {
		t.Fatalf("expected audit resolver to be registered")
	}
	if err := adapter.Initialize(); err != nil {
		t.Fatalf("initialize registry: %v", err)
	}
	if resolverCalls == 0 {
		t.Fatalf("expected resolver hook to run during initialization")
	}

	if err := Dispatch(context.Background(), dispatchMessage{ID: "m1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(got) != 1 || got[0] != "m1" {
		t.Fatalf("expected one execution with m1, got %v", got)
	}
}

func TestDispatchRejectsInvalidMessage(t *testing.T) {
	if err := Dispatch(context.Background(), failingMessage{}); err == nil {
		t.Fatalf("expected invalid message to be rejected before dispatch")
	}
}

func TestRegisterAndSubscribeRequiresRegistry(t *testing.T) {
	cmd := command.CommandFunc[dispatchMessage](func(context.Context, dispatchMessage) error { return nil })
	if _, err := RegisterAndSubscribe[dispatchMessage](nil, cmd); err == nil {
		t.Fatalf("expected nil adapter to fail")
	}
}
