// Package inbound routes Slack webhook deliveries. A request is matched to
// one of three payload shapes (slash command, interactivity payload, event
// callback); every shape verifies the shared token, suppresses redeliveries
// through the idempotency guard and then invokes the listener registered for
// its logical type in an immutable RouteTable.
package inbound
