// Package storage persists scheduled posts, campaigns, the channel directory,
// the per-channel delivery journal and notifier dedup state.
//
// Drivers:
//   - sqlite via modernc.org/sqlite (pure Go, WAL, single writer)
//   - postgres and mysql via gorm
//   - memory for tests and dry runs
//
// Status changes are compare-and-set on status = scheduled so a terminal
// record is never rewritten.
package storage
