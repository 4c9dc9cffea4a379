// Package server provides the HTTP API: chunk ingestion, session
// finalization, transcription and deal extraction endpoints, monitoring
// endpoints backed by the session registry, immutable serving of finalized
// audio, and the Prometheus metrics endpoint.
package server
