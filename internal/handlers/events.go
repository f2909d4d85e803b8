package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// StreamEvents upgrades to a websocket and forwards every host event as a
// JSON text message until either side goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.Log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := h.Events.Subscribe()
	defer h.Events.Unsubscribe(sub)

	// Reads are only needed to process control frames and notice the
	// client closing.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			msg, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := write(ctx, conn, msg); err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
