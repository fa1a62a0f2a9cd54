package command

import (
	"context"
	"fmt"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"

	"github.com/k2tzumi/hue-kintai-slask-command/adapters/gocommand"
)

// Bus sends kintai messages through the go-command dispatcher to the
// commands registered by Register.
type Bus struct {
	subscriptions []commanddispatcher.Subscription
}

// Register builds the four kintai commands over deps, registers them in
// adapter and subscribes them to the dispatcher.
func Register(adapter *gocommand.RegistryAdapter, deps Dependencies) (*Bus, error) {
	if err := deps.ready(); err != nil {
		return nil, err
	}
	bus := &Bus{}
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe[PunchInMessage](adapter, NewPunchInCommand(deps))
		},
		func() (commanddispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe[PunchOutMessage](adapter, NewPunchOutCommand(deps))
		},
		func() (commanddispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe[ValidateCredentialMessage](adapter, NewValidateCredentialCommand(deps))
		},
		func() (commanddispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe[ResetCredentialMessage](adapter, NewResetCredentialCommand(deps))
		},
	}
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			bus.Close()
			return nil, err
		}
		bus.subscriptions = append(bus.subscriptions, subscription)
	}
	if err := adapter.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}

// Send dispatches msg to its command.
func (b *Bus) Send(ctx context.Context, msg gocmd.Message) error {
	if b == nil {
		return commandDependencyError("command: bus is nil")
	}
	switch m := msg.(type) {
	case PunchInMessage:
		return gocommand.Dispatch(ctx, m)
	case PunchOutMessage:
		return gocommand.Dispatch(ctx, m)
	case ValidateCredentialMessage:
		return gocommand.Dispatch(ctx, m)
	case ResetCredentialMessage:
		return gocommand.Dispatch(ctx, m)
	default:
		return commandValidationError("type", fmt.Sprintf("unsupported message %T", msg))
	}
}

// Close unsubscribes every command.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}
