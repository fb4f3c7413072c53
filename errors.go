package main

import (
	"errors"
	"net/http"
)

// Failure categories shared by the adapters and the store. Adapters attach
// these with fmt.Errorf("%w: ...") so handlers can classify with errors.Is
// regardless of how much context was added along the way.
var (
	// ErrCredentialMissing means a vendor API key is not configured. It is
	// detected before any network call.
	ErrCredentialMissing = errors.New("api credential missing")

	// ErrCredentialInvalid means the vendor rejected the configured key.
	ErrCredentialInvalid = errors.New("api credential invalid")

	// ErrVoiceNotPermitted means the account may not use the requested voice.
	ErrVoiceNotPermitted = errors.New("voice not permitted")

	// ErrVoiceNotFound means the requested voice does not exist.
	ErrVoiceNotFound = errors.New("voice not found")

	// ErrInvalidSynthesisRequest means the vendor rejected the request data,
	// for example a voice that does not support the selected model.
	ErrInvalidSynthesisRequest = errors.New("invalid synthesis request")

	// ErrUpstream covers transport failures and unclassified vendor errors.
	ErrUpstream = errors.New("upstream request failed")

	// ErrStoreUnavailable means the visitor store cannot be reached. Callers
	// treat it as non-fatal and fall back to safe defaults.
	ErrStoreUnavailable = errors.New("visitor store unavailable")
)

// httpError carries the status code a handler wants the wrapper to answer
// with. Errors without one default to 500.
type httpError struct {
	status int
	err    error
}

func (v *httpError) Error() string { return v.err.Error() }

func (v *httpError) Unwrap() error { return v.err }

func withStatus(status int, err error) error {
	return &httpError{status: status, err: err}
}

func statusOf(err error) int {
	var he *httpError
	if errors.As(err, &he) {
		return he.status
	}
	return http.StatusInternalServerError
}
