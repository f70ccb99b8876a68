package hotreload

import (
	"context"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketHandler returns a handler that delivers the same events as the
// SSE stream, one JSON message per event. Incoming messages are ignored.
func (b *Broker) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			// Local dev server: pages may be opened through any host alias.
			InsecureSkipVerify: true,
		})
		if err != nil {
			b.logger.Debug("hot reload websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// CloseRead handles control frames and cancels ctx once the peer goes away.
		ctx := conn.CloseRead(r.Context())

		ch, initial := b.subscribe()
		defer b.unsubscribe(ch)

		if initial != nil {
			if err := writeJSON(ctx, conn, *initial); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					conn.Close(ws.StatusGoingAway, "server shutting down")
					return
				}
				if err := writeJSON(ctx, conn, evt); err != nil {
					b.logger.Debug("failed to write websocket event", "error", err)
					return
				}
			}
		}
	})
}

func writeJSON(ctx context.Context, conn *ws.Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
