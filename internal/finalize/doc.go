// Package finalize orchestrates the close-out of a recording session: it
// claims the session against concurrent finalizers, assembles the uploaded
// chunks into one continuous recording, cuts per-deal segments from the
// recording using the session's markers, and persists the resulting
// manifest. Finalization either completes fully or leaves the session in a
// retryable failed state with its chunks intact.
package finalize
