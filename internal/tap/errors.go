package tap

import (
	"errors"

	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

var (
	ErrListen       = errors.New("tap listen")
	ErrAccept       = errors.New("tap accept")
	ErrHandshake    = errors.New("tap handshake")
	ErrConnRead     = errors.New("tap read")
	ErrConnWrite    = errors.New("tap write")
	ErrInject       = errors.New("tap inject rejected")
	ErrShutdownWait = errors.New("tap shutdown timed out")
)

// mapErrToMetric picks the errors_total label for a wrapped tap error.
// Inject queue overflow is counted by the gateway itself.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrInject):
		return metrics.ErrTapInject
	case errors.Is(err, ErrListen), errors.Is(err, ErrAccept):
		return metrics.ErrTapListen
	default:
		return metrics.ErrTCPRead
	}
}
