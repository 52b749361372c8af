// Package storage persists dead letters: CRITICAL alerts the engine gave up on.
//
// Drivers:
//   - "file": JSON Lines appended to <path-without-ext>.deadletter.jsonl
//   - "sqlite": SQLite database via modernc.org/sqlite
//
// Alert history itself is never persisted.
package storage
