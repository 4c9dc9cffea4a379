// Package retry provides a reusable timeout + bounded-retry decorator for
// external call sites. Policies are passed per call site; there is no shared
// mutable timer state between calls.
package retry
