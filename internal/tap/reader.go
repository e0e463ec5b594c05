package tap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/gateway"
	"github.com/kstaniek/go-stalk-gateway/internal/hub"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

func (s *Server) startReader(done <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.dropConn(conn)
		defer cl.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.DecodeN(conn, 16, func(fr can.Frame) { s.handleFrame(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-done:
						return
					default:
					}
					continue
				}
				wrap := fmt.Errorf("%w: %w", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Warn("tap_read_error", "error", wrap)
				return
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()
}

func (s *Server) handleFrame(fr can.Frame, logger *slog.Logger) {
	if s.readOnly {
		return
	}
	err := s.inject(fr)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrInjectFull):
		s.totalInjectDropped.Add(1)
		logger.Debug("tap_inject_drop", "frame", fr.String())
	default:
		s.totalInjectInvalid.Add(1)
		wrap := fmt.Errorf("%w: %w", ErrInject, err)
		metrics.IncError(mapErrToMetric(wrap))
		logger.Debug("tap_inject_rejected", "frame", fr.String(), "error", wrap)
	}
}
