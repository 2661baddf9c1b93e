// Package pipeline provides the monitored growable buffer that carries
// trades from the source adapters to the consuming stage, and that holds
// live trades during a parallel backfill handoff.
package pipeline
