// Package session provides the SQLite-backed session registry: lifecycle
// state handling, the single-flight finalize claim, and manifest persistence.
// The claim is a durable row update, not an in-memory lock, so a crash
// mid-finalize leaves the session visibly stuck in the finalizing state.
package session
