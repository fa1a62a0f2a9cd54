// Package core holds the contracts shared by the job queue, the idempotency
// guard and the webhook dispatcher: the record store, the deferred callback
// scheduler, the clock, configuration and the error taxonomy. Backends and
// transports depend on core; core depends on none of them.
package core
