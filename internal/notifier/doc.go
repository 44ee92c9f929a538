// Package notifier sends short failure alerts to post owners and to the
// operations chat.
//
// It listens on the event bus for dispatch outcomes and recurrence
// failures, formats a message, and pushes it through an async pipeline:
// a bounded queue, a worker pool, a shared rate limit, retries with
// jittered backoff and a dedup window so a flapping channel does not page
// the same chat over and over.
//
// # History
//
// The service keeps a small in-memory history of sent alerts for the
// status endpoint.
package notifier
