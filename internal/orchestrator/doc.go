// Package orchestrator coordinates the historical backfill and the live
// feed so the two sources hand over without gaps or premature live data.
//
// The orchestrator is an explicit state machine (Backfilling,
// AwaitingHandoff, Streaming, Completed, Failed) driven by messages on
// an internal control channel rather than shared flags. Two handoff
// policies are supported: sequential (live feed starts only after the
// backfill finishes) and parallel (live feed starts immediately but its
// trades are held in a buffer until the backfill completes, then
// released in arrival order).
//
// A fatal backfill error moves the machine to Failed and tears down the
// live path: a silently half-populated history is worse than a crash.
package orchestrator
