// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// StreamEvent is one record an operator watching /events/stream sees. It is
// deliberately observational: nothing about it feeds back into how the
// target replays traffic.
type StreamEvent struct {
	Time string `json:"time"`
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
}

// StreamConfig configures EventStream.
type StreamConfig struct {
	RateLimit        float64
	Burst            int
	Compress         bool
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// EventStream fans StreamEvents out to every connected WebSocket client.
// Each client gets its own token-bucket limiter, so one operator polling
// too fast never starves the others, and its own circuit breaker, so a
// client whose send buffer stays full gets disconnected instead of
// accumulating backlog forever.
type EventStream struct {
	cfg      StreamConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
	encoder  *zstd.Encoder

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	id        uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	closeOnce sync.Once
}

func (c *streamClient) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// NewEventStream constructs an EventStream. cfg.RateLimit and cfg.Burst
// default to reasonable per-client values if zero.
func NewEventStream(cfg StreamConfig, log *slog.Logger) (*EventStream, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	var enc *zstd.Encoder
	if cfg.Compress {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("admin: creating zstd encoder: %w", err)
		}
	}

	return &EventStream{
		cfg:     cfg,
		log:     log,
		encoder: enc,
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *EventStream) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("admin_websocket_upgrade_failed", "error", err)
		return
	}

	c := &streamClient{
		id:      uuid.New(),
		conn:    conn,
		send:    make(chan []byte, 64),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "admin-stream-client",
			MaxRequests: 1,
			Timeout:     s.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.cfg.BreakerThreshold
			},
		}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug("admin_stream_client_connected", "client_id", c.id)

	go s.writePump(c)
}

func (s *EventStream) writePump(c *streamClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = c.conn.Close()
		s.log.Debug("admin_stream_client_disconnected", "client_id", c.id)
	}()

	for payload := range c.send {
		msgType := websocket.TextMessage
		if s.encoder != nil {
			payload = s.encoder.EncodeAll(payload, nil)
			msgType = websocket.BinaryMessage
		}
		if err := c.conn.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}

// Broadcast pushes ev to every connected client, skipping any client whose
// rate limiter has no tokens left and disconnecting any client whose
// circuit breaker has tripped from sustained backpressure.
func (s *EventStream) Broadcast(ev StreamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("admin_stream_marshal_failed", "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if !c.limiter.Allow() {
			continue
		}
		_, err := c.breaker.Execute(func() (any, error) {
			select {
			case c.send <- data:
				return nil, nil
			default:
				return nil, fmt.Errorf("admin: client send buffer full")
			}
		})
		if err != nil {
			s.log.Debug("admin_stream_client_dropped", "client_id", c.id, "error", err)
			if c.breaker.State() == gobreaker.StateOpen {
				c.closeSend()
			}
		}
	}
}

// Close disconnects every connected client.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.closeSend()
	}
	s.clients = make(map[*streamClient]struct{})
}
