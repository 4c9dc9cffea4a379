// Package store persists uploaded audio chunks and session metadata snapshots
// on the filesystem. Chunks live under <root>/sessions/<id>/ keyed by a
// zero-padded index; finalized outputs live under <root>/final/<id>/.
package store
