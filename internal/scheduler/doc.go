// Package scheduler runs bounded-concurrency validation passes over a list of
// content sources. A fixed number of slots pull indices from one shared cursor,
// probe the selected endpoint under a per-probe deadline, apply the status
// policy, persist the verdict, and publish progress. Every run ends with
// exactly one terminal progress event.
package scheduler
