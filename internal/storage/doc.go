// Package storage keeps the bot's append-only audit trail.
//
// Scheduled posts themselves live in memory only; the store records what
// happened to them (created, edited, removed, sent, failed) so an operator
// can reconstruct activity after a restart.
//
// Drivers:
//   - "file": JSON Lines next to the configured path
//   - "sqlite": single-file SQLite database
//   - "" or "none": disabled, Open returns (nil, nil)
package storage
