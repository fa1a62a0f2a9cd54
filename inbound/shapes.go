package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
	"github.com/k2tzumi/hue-kintai-slask-command/idempotency"
)

const (
	SurfaceCommand       = "command"
	SurfaceInteraction   = "interaction"
	SurfaceEventCallback = "event_callback"
)

const (
	InteractionBlockActions   = "block_actions"
	InteractionMessageActions = "message_actions"
	InteractionViewSubmission = "view_submission"
	InteractionViewClosed     = "view_closed"

	EventTypeURLVerification = "url_verification"
	EventTypeCallback        = "event_callback"
)

// DuplicateChecker is satisfied by *idempotency.Guard.
type DuplicateChecker interface {
	Check(ctx context.Context, key idempotency.Key) (bool, error)
}

// ShapeHandler claims requests of one payload shape.
type ShapeHandler interface {
	Surface() string
	Handle(ctx context.Context, req Request) (performed bool, output any, err error)
}

type shapeDeps struct {
	routes   *RouteTable
	guard    DuplicateChecker
	verifier Verifier
}

func (d shapeDeps) verify(ctx context.Context, surface string, token string) error {
	if err := d.verifier.VerifyToken(ctx, token); err != nil {
		return invalidTokenError(surface, err)
	}
	return nil
}

func (d shapeDeps) checkDuplicate(ctx context.Context, surface string, key idempotency.Key) error {
	handled, err := d.guard.Check(ctx, key)
	if err != nil {
		if core.HasTextCode(err, core.ErrorBadInput, nil) {
			return err
		}
		return guardError(err, surface)
	}
	if handled {
		return duplicateRequestError(surface, key.String())
	}
	return nil
}

type commandShape struct {
	shapeDeps
}

func (commandShape) Surface() string { return SurfaceCommand }

func (h commandShape) Handle(ctx context.Context, req Request) (bool, any, error) {
	if req.param("command") == "" {
		return false, nil, nil
	}
	cmd := slashCommandFromForm(req.Form)
	if err := h.verify(ctx, SurfaceCommand, cmd.Token); err != nil {
		return true, nil, err
	}
	if err := h.checkDuplicate(ctx, SurfaceCommand, idempotency.TriggerKey(cmd.TriggerID)); err != nil {
		return true, nil, err
	}
	listener, ok := h.routes.Command(cmd.Command)
	if !ok {
		return true, nil, noListenerError(SurfaceCommand, cmd.Command)
	}
	output, err := listener(ctx, cmd)
	return true, output, err
}

type interactivityShape struct {
	shapeDeps
}

func (interactivityShape) Surface() string { return SurfaceInteraction }

func (h interactivityShape) Handle(ctx context.Context, req Request) (bool, any, error) {
	raw := req.param("payload")
	if raw == "" {
		return false, nil, nil
	}
	var interaction Interaction
	if err := json.Unmarshal([]byte(raw), &interaction); err != nil {
		return true, nil, inboundBadInput("inbound: invalid interaction payload", map[string]any{"error": err.Error()})
	}
	interaction.Raw = json.RawMessage(raw)
	if err := h.verify(ctx, SurfaceInteraction, interaction.Token); err != nil {
		return true, nil, err
	}

	interactionType := strings.TrimSpace(interaction.Type)
	switch interactionType {
	case InteractionBlockActions, InteractionMessageActions:
		if err := h.checkDuplicate(ctx, SurfaceInteraction, idempotency.TriggerKey(interaction.TriggerID)); err != nil {
			return true, nil, err
		}
	case InteractionViewSubmission:
		if err := h.checkDuplicate(ctx, SurfaceInteraction, idempotency.ViewHashKey(interaction.ViewHash())); err != nil {
			return true, nil, err
		}
	case InteractionViewClosed:
	default:
		return true, nil, unknownInteractionError(interactionType)
	}

	listener, ok := h.routes.Interaction(interactionType)
	if !ok {
		return true, nil, noListenerError(SurfaceInteraction, interactionType)
	}
	output, err := listener(ctx, interaction)
	return true, output, err
}

type eventShape struct {
	shapeDeps
}

func (eventShape) Surface() string { return SurfaceEventCallback }

func (h eventShape) Handle(ctx context.Context, req Request) (bool, any, error) {
	body := bytes.TrimSpace(req.Body)
	if len(body) == 0 || body[0] != '{' {
		return false, nil, nil
	}
	var envelope CallbackEvent
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, nil, nil
	}

	switch strings.TrimSpace(envelope.Type) {
	case EventTypeURLVerification:
		if err := h.verify(ctx, SurfaceEventCallback, envelope.Token); err != nil {
			return true, nil, err
		}
		return true, map[string]string{"challenge": envelope.Challenge}, nil
	case EventTypeCallback:
	default:
		return false, nil, nil
	}

	if err := h.verify(ctx, SurfaceEventCallback, envelope.Token); err != nil {
		return true, nil, err
	}
	if len(envelope.RawEvent) > 0 {
		if err := json.Unmarshal(envelope.RawEvent, &envelope.Event); err != nil {
			return true, nil, inboundBadInput("inbound: invalid event body", map[string]any{"error": err.Error()})
		}
	}
	key := idempotency.EventKey(envelope.EventID, envelope.EventTime.String())
	if err := h.checkDuplicate(ctx, SurfaceEventCallback, key); err != nil {
		return true, nil, err
	}
	listener, ok := h.routes.Event(envelope.Event.Type)
	if !ok {
		return true, nil, noListenerError(SurfaceEventCallback, envelope.Event.Type)
	}
	output, err := listener(ctx, envelope)
	return true, output, err
}

var (
	_ ShapeHandler = commandShape{}
	_ ShapeHandler = interactivityShape{}
	_ ShapeHandler = eventShape{}

	_ DuplicateChecker = (*idempotency.Guard)(nil)
)
