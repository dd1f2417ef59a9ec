// Package transport maintains the websocket connection to the server's
// push endpoint. Decoded events are published on the bus; routing them is
// the dispatcher's job, so a flaky socket never touches sync state
// directly.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/metrics"
)

// ErrNotConnected is returned when a frame write is attempted without an
// established connection.
var ErrNotConnected = errors.New("socket not connected")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Socket is the resilient websocket client for the push channel. It
// reconnects with exponential backoff and never gives up while running;
// missed-while-down state is recovered by the sync layer refetching, not
// by the socket replaying.
type Socket struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	dialer *websocket.Dialer

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a socket client for the given push endpoint URL.
func New(url, token string, b *bus.Bus, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		url:    url,
		token:  token,
		bus:    b,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Start launches the connect/read/reconnect loop.
func (s *Socket) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (s *Socket) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.closeConn()
	<-s.done
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("push socket dial failed", zap.Duration("retry_in", backoff), zap.Error(err))
			metrics.Reconnects.Inc()
			if !sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.setConn(conn)
		backoff = initialBackoff
		s.logger.Info("push socket connected")
		s.publish("transport.connected")

		err = s.readLoop(ctx, conn)
		s.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("push socket disconnected", zap.Error(err))
		s.publish("transport.disconnected")
		metrics.Reconnects.Inc()
		if !sleep(ctx, jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		evt, err := Decode(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable push frame", zap.Error(err))
			metrics.PushDropped.WithLabelValues("decode").Inc()
			continue
		}
		s.bus.Publish(evt)
	}
}

// SendTyping writes a typing frame. It satisfies the notifier's
// FrameSender; a failed write is reported, not retried.
func (s *Socket) SendTyping(conversationID string, typing bool) error {
	frame := Envelope{Stream: "typing"}
	data, err := json.Marshal(TypingEvent{ConversationID: conversationID, Typing: typing})
	if err != nil {
		return err
	}
	frame.Data = data
	return s.writeJSON(frame)
}

func (s *Socket) writeJSON(v any) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Socket) closeConn() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Socket) publish(kind string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// jitter spreads reconnect attempts so daemons don't stampede a server
// coming back up.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
