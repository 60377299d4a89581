package chain

import (
	"context"
	"errors"
	"net"
	"strings"
)

// transientMarkers are substrings of RPC error messages that indicate a
// condition worth retrying. Blockhash expiry shows up here because the
// transaction is re-buildable with a fresh blockhash.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"blockhash not found",
	"blockhashnotfound",
	"node is behind",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"service unavailable",
	"temporarily unavailable",
	"eof",
}

// IsTransient reports whether an error from a chain client is worth
// retrying. Structural failures (bad instruction data, program rejection)
// are not transient; network and availability failures are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
