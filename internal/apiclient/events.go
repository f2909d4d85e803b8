package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/hostdeck/internal/events"
)

// Watch subscribes to the host event stream and calls fn for every event
// until ctx is cancelled, the server closes the stream or fn returns an
// error. A cancelled ctx is not reported as an error.
func (c *Client) Watch(ctx context.Context, fn func(events.Event) error) error {
	url := c.baseURL + apiPrefix + "/hosts/events"
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var e events.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			switch {
			case ctx.Err() != nil:
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(e); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching can be returned by a Watch callback to end the stream
// without an error.
var ErrStopWatching = errors.New("stop watching")
