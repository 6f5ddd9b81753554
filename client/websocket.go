package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatusFeed reads execution messages pushed by the server over its websocket.
// Only messages for submissions made with this client's ID are delivered by the server.
type StatusFeed struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
	logger    *slog.Logger
}

// websocketURL derives the websocket endpoint from the base URL.
func (c *ComfyClient) websocketURL() (string, error) {
	if c.baseURL == "" {
		return "", ErrNoServer
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("clientId", c.clientid)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// OpenStatusFeed connects to the server websocket and calls handler, from a
// separate goroutine, for every message received until the feed is closed or
// ctx is cancelled.
func (c *ComfyClient) OpenStatusFeed(ctx context.Context, handler func(*WSStatusMessage)) (*StatusFeed, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	f := &StatusFeed{
		conn:   conn,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		logger: c.logger,
	}
	go f.handleMessages(handler)
	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-f.done:
		}
	}()
	return f, nil
}

// Handle incoming WebSocket messages
func (f *StatusFeed) handleMessages(handler func(*WSStatusMessage)) {
	defer close(f.done)
	for {
		mt, message, err := f.conn.ReadMessage()
		if err != nil {
			select {
			case <-f.closed:
			default:
				f.logger.Debug("status feed read error", "error", err)
			}
			return
		}
		// binary frames carry preview images
		if mt != websocket.TextMessage {
			continue
		}
		msg := &WSStatusMessage{}
		if err := json.Unmarshal(message, msg); err != nil {
			f.logger.Warn("Deserializing status message", "error", err)
			continue
		}
		if handler != nil {
			handler(msg)
		}
	}
}

// Done is closed once the feed has stopped reading.
func (f *StatusFeed) Done() <-chan struct{} {
	return f.done
}

// Close stops the feed and waits for the reader to exit.  It must not be
// called from the message handler.
func (f *StatusFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	<-f.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
