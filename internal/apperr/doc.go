// Package apperr defines the error taxonomy shared across the service.
// Every fatal error reported to a caller carries a machine-readable kind
// plus a human-readable detail string.
package apperr
