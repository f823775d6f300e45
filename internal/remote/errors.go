package remote

import (
	"context"
	"errors"
	"net"
)

// Errors returned by remote endpoints.
//
// These can be checked with errors.Is(), but most callers should use the
// classifiers below:
//
//	if remote.IsTransient(err) {
//	    // back off and retry
//	}
var (
	// ErrTransient is returned for failures that are expected to clear on
	// their own: timeouts, connectivity loss, server overload. Transient
	// failures are never surfaced to callers until retries are exhausted.
	ErrTransient = errors.New("transient remote failure")

	// ErrPermanent is returned when the remote definitively rejected the
	// mutation (validation failure, permission denied). Retrying the same
	// payload cannot succeed.
	ErrPermanent = errors.New("mutation rejected by remote")

	// ErrProtocol is returned when the server demands a newer sync
	// protocol than this client implements.
	ErrProtocol = errors.New("server requires a newer protocol version")
)

// IsTransient returns true if the error should be retried with backoff.
// Network-level failures count as transient even when the endpoint did not
// classify them itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransient) {
		return true
	}

	// Deadline and cancellation surface as context errors on HTTP calls.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Anything the net package reports is connectivity, not rejection.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsPermanent returns true if the error means the mutation can never
// succeed as-is and should be quarantined immediately.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrPermanent) {
		return true
	}

	// A protocol mismatch will not clear until the client is upgraded.
	return errors.Is(err, ErrProtocol)
}
