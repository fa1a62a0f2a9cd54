package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type CommandListener func(ctx context.Context, cmd SlashCommand) (any, error)

type InteractivityListener func(ctx context.Context, interaction Interaction) (any, error)

type CallbackEventListener func(ctx context.Context, event CallbackEvent) (any, error)

// RouteBuilder collects listeners before a dispatcher is created. Build
// freezes them into a RouteTable; later builder changes do not leak into it.
type RouteBuilder struct {
	commands     map[string]CommandListener
	interactions map[string]InteractivityListener
	events       map[string]CallbackEventListener
	errs         []error
}

func NewRouteBuilder() *RouteBuilder {
	return &RouteBuilder{
		commands:     map[string]CommandListener{},
		interactions: map[string]InteractivityListener{},
		events:       map[string]CallbackEventListener{},
	}
}

// AddCommandListener routes a slash command such as "/kintai".
func (b *RouteBuilder) AddCommandListener(command string, fn CommandListener) *RouteBuilder {
	key := normalizeRouteKey(command)
	if b.check(SurfaceCommand, key, fn == nil) {
		if _, exists := b.commands[key]; exists {
			b.errs = append(b.errs, fmt.Errorf("inbound: command listener %q already registered", key))
		} else {
			b.commands[key] = fn
		}
	}
	return b
}

// AddInteractivityListener routes an interaction type such as
// "block_actions" or "view_submission".
func (b *RouteBuilder) AddInteractivityListener(interactionType string, fn InteractivityListener) *RouteBuilder {
	key := normalizeRouteKey(interactionType)
	if b.check(SurfaceInteraction, key, fn == nil) {
		if _, exists := b.interactions[key]; exists {
			b.errs = append(b.errs, fmt.Errorf("inbound: interactivity listener %q already registered", key))
		} else {
			b.interactions[key] = fn
		}
	}
	return b
}

// AddCallbackEventListener routes an inner event type such as "app_mention".
func (b *RouteBuilder) AddCallbackEventListener(eventType string, fn CallbackEventListener) *RouteBuilder {
	key := normalizeRouteKey(eventType)
	if b.check(SurfaceEventCallback, key, fn == nil) {
		if _, exists := b.events[key]; exists {
			b.errs = append(b.errs, fmt.Errorf("inbound: event listener %q already registered", key))
		} else {
			b.events[key] = fn
		}
	}
	return b
}

func (b *RouteBuilder) check(surface string, key string, nilListener bool) bool {
	if key == "" {
		b.errs = append(b.errs, fmt.Errorf("inbound: %s listener type is required", surface))
		return false
	}
	if nilListener {
		b.errs = append(b.errs, fmt.Errorf("inbound: %s listener %q is nil", surface, key))
		return false
	}
	return true
}

func (b *RouteBuilder) Build() (*RouteTable, error) {
	if b == nil {
		return nil, fmt.Errorf("inbound: route builder is nil")
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	table := &RouteTable{
		commands:     make(map[string]CommandListener, len(b.commands)),
		interactions: make(map[string]InteractivityListener, len(b.interactions)),
		events:       make(map[string]CallbackEventListener, len(b.events)),
	}
	for key, fn := range b.commands {
		table.commands[key] = fn
	}
	for key, fn := range b.interactions {
		table.interactions[key] = fn
	}
	for key, fn := range b.events {
		table.events[key] = fn
	}
	return table, nil
}

// RouteTable is an immutable listener lookup shared by the shape handlers.
type RouteTable struct {
	commands     map[string]CommandListener
	interactions map[string]InteractivityListener
	events       map[string]CallbackEventListener
}

func (t *RouteTable) Command(command string) (CommandListener, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := t.commands[normalizeRouteKey(command)]
	return fn, ok
}

func (t *RouteTable) Interaction(interactionType string) (InteractivityListener, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := t.interactions[normalizeRouteKey(interactionType)]
	return fn, ok
}

func (t *RouteTable) Event(eventType string) (CallbackEventListener, bool) {
	if t == nil {
		return nil, false
	}
	fn, ok := t.events[normalizeRouteKey(eventType)]
	return fn, ok
}

// Routes lists registered keys per surface, sorted.
func (t *RouteTable) Routes() map[string][]string {
	out := map[string][]string{
		SurfaceCommand:       {},
		SurfaceInteraction:   {},
		SurfaceEventCallback: {},
	}
	if t == nil {
		return out
	}
	for key := range t.commands {
		out[SurfaceCommand] = append(out[SurfaceCommand], key)
	}
	for key := range t.interactions {
		out[SurfaceInteraction] = append(out[SurfaceInteraction], key)
	}
	for key := range t.events {
		out[SurfaceEventCallback] = append(out[SurfaceEventCallback], key)
	}
	for _, keys := range out {
		sort.Strings(keys)
	}
	return out
}

func normalizeRouteKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
