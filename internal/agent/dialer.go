// ABOUTME: Transport and Dialer abstractions plus the WebSocket implementation.
// ABOUTME: Dials agents over ws:// with a Bearer credential; pings keep the link checked.

package agent

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAuthRejected indicates the agent refused the presented credential.
var ErrAuthRejected = errors.New("agent rejected credential")

// Transport is one established channel to an agent. Implementations must
// allow ReadMessage and WriteMessage from different goroutines and must
// unblock both when Close is called.
type Transport interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes transports to agent endpoints.
type Dialer interface {
	Dial(endpoint, credential string) (Transport, error)
}

// Timeouts for the websocket transport. Read deadline is refreshed on every
// pong, so a peer that stops answering pings fails the read within
// wsReadTimeout.
const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 50 * time.Second
)

// WSDialer dials agents over WebSocket with Bearer authentication.
type WSDialer struct{}

// Dial connects to ws://<endpoint>/ws presenting the credential. An HTTP
// 401 or 403 during the upgrade surfaces as ErrAuthRejected.
func (WSDialer) Dial(endpoint, credential string) (Transport, error) {
	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/ws"}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, resp, err := dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", u.String(), err)
	}

	t := &wsTransport{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go t.pingLoop()

	return t, nil
}

// wsTransport wraps a gorilla connection. The write mutex covers both data
// writes and pings; gorilla allows only one concurrent writer.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.Close()
				return
			}
		}
	}
}
