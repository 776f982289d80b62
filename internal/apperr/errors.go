// Package apperr declares the failure taxonomy shared by the server, the sync engine and the client cache.
// Every package wraps one of these sentinels so errors.Is classifies any failure.
package apperr

import "errors"

var (
	// ErrUnauthorized marks a missing, invalid, expired or tenant-mismatched credential. Terminal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBusy marks lock contention on the tenant dataset. Retry shortly.
	ErrBusy = errors.New("busy")
	// ErrNotFound marks a referenced record that does not exist. Terminal.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks a malformed payload. Terminal.
	ErrValidation = errors.New("validation failed")
	// ErrStoreUnavailable marks an unreachable or nonexistent tenant dataset. Retryable with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTransport marks a network-level failure between client and server.
	ErrTransport = errors.New("transport failure")
)

// Envelope codes carried in error responses.
const (
	CodeUnauthorized     = "unauthorized"
	CodeBusy             = "busy"
	CodeNotFound         = "not_found"
	CodeValidation       = "validation_failed"
	CodeStoreUnavailable = "store_unavailable"
	CodeTransport        = "transport_failure"
	CodeInternal         = "internal_error"
)

var codeTable = []struct {
	sentinel error
	code     string
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrBusy, CodeBusy},
	{ErrNotFound, CodeNotFound},
	{ErrValidation, CodeValidation},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrTransport, CodeTransport},
}

// Code returns the envelope code classifying err.
func Code(err error) string {
	for _, entry := range codeTable {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeInternal
}

// FromCode returns the sentinel for an envelope code, or nil when the code is unknown.
func FromCode(code string) error {
	for _, entry := range codeTable {
		if entry.code == code {
			return entry.sentinel
		}
	}
	return nil
}

// Retryable reports whether a caller may repeat the request that produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrTransport)
}
