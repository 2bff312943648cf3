package chat

import (
	"bufio"
	"log/slog"
	"net"
	"time"

	"github.com/andy6609/lanchat/internal/protocol"
)

// StartOutboundWriter frames every message from out onto conn until done is
// closed, then writes whatever is still queued. The returned channel is
// closed when the writer has finished.
func StartOutboundWriter(conn net.Conn, out <-chan protocol.Message, done <-chan struct{}, writeTimeout time.Duration, logger *slog.Logger) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w := bufio.NewWriter(conn)

		write := func(msg protocol.Message) error {
			if writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := protocol.WriteMessage(w, msg); err != nil {
				return err
			}
			// Flush once the queue is empty so bursts share a syscall.
			if len(out) == 0 {
				return w.Flush()
			}
			return nil
		}

		fail := func(err error) {
			logger.Debug("outbound write failed", "addr", conn.RemoteAddr().String(), "error", err)
			// A broken writer tears the connection down so the reader exits too.
			_ = conn.Close()
			// Keep consuming so blocked senders are released until the session closes.
			for {
				select {
				case <-out:
				case <-done:
					return
				}
			}
		}

		for {
			select {
			case msg := <-out:
				if err := write(msg); err != nil {
					fail(err)
					return
				}
			case <-done:
				for {
					select {
					case msg := <-out:
						if err := write(msg); err != nil {
							return
						}
					default:
						_ = w.Flush()
						return
					}
				}
			}
		}
	}()
	return finished
}
