package proxy

import (
	"context"
	"errors"

	"github.com/devproxy/pkg/metrics"
)

var (
	// ErrNoRouteMatch means the request was not forwarded; the caller serves it locally
	ErrNoRouteMatch = errors.New("no route matches request")

	// ErrBackendUnavailable means the rule target refused or failed the connection
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUpgradeHandshake means the target did not accept the protocol upgrade
	ErrUpgradeHandshake = errors.New("upgrade handshake failed")

	// ErrNotHijackable means the hosting server cannot hand over the client socket
	ErrNotHijackable = errors.New("response writer does not support hijacking")
)

// outcome maps a Forward result onto a metrics outcome label
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(err, ErrBackendUnavailable):
		return metrics.OutcomeBackendUnavailable
	case errors.Is(err, ErrUpgradeHandshake):
		return metrics.OutcomeHandshakeFailed
	default:
		return metrics.OutcomeError
	}
}
