// Package scheduler runs time-scheduled contest lifecycle transitions.
//
// # Model
//
// Persisted pending tasks (the task store) are the source of truth. The
// in-memory Registry maps each (type, reference) key to at most one live
// timer. On startup and once per scan interval, Reconcile rebuilds the
// registry from the store: tasks that already have a timer are skipped, tasks
// that lost theirs (crash, missed arm) get a new one, and overdue publish
// tasks are executed immediately as catch-up.
//
// # Firing
//
// A fired timer removes its own registry entry first, then invokes the
// Executor with just the task ID. The executor re-fetches the task and its
// contest, claims the task row (pending -> processing) and guards on contest
// status, so a duplicate fire is a no-op rather than a repeated side effect.
package scheduler
