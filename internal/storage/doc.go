// Package storage is the sqlite persistence layer.
//
// It holds:
//   - the scheduled task log (the source of truth for "what should eventually run")
//   - contests, their target/required channels and published message refs
//   - users, participations and the curated winner list
package storage
