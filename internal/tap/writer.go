package tap

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-stalk-gateway/internal/can"
	"github.com/kstaniek/go-stalk-gateway/internal/hub"
	"github.com/kstaniek/go-stalk-gateway/internal/metrics"
)

// startWriter batches hub frames onto one client connection.
func (s *Server) startWriter(done <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.dropConn(conn)
			s.hub.Remove(cl)
			s.totalDisconnected.Add(1)
			logger.Info("tap_client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]can.Frame, 0, s.batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n := len(batch)
			_ = conn.SetWriteDeadline(time.Now().Add(s.readDeadline))
			_, err := s.codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				wrap := fmt.Errorf("%w: %w", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				return wrap
			}
			metrics.AddTapTx(n)
			return nil
		}
		for {
			select {
			case fr := <-cl.Out:
				batch = append(batch, fr)
				if len(batch) >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-done:
				_ = flush()
				return
			}
		}
	}()
}
