// Package cadence computes and models the offline publication timing plan for
// a closed narrative session: the moderation window with its escalation
// checkpoints, the scheduled publication batches, and the nightly digest.
//
// The clock policy (Compute) is a pure function of the closure instant and a
// config; it holds no state and is safe to call concurrently. Schedule and
// its nested types are plain values with deep Clone support so stores can
// hand out copies that never alias their durable state.
package cadence
