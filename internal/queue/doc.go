// Package queue holds the scheduled-item data model and the durable queue
// store backing the publishing engine.
//
// The store supports ordered due-item fetches (priority, then due time, then
// id) and an atomic per-item claim so two workers never dispatch the same
// item concurrently.
package queue
