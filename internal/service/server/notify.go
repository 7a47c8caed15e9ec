package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"secure_exchange/internal/model"
	"secure_exchange/internal/service/redis"
	"secure_exchange/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// ErrNotConnected means the recipient has no live socket; the envelope waits in pending.
var ErrNotConnected = errors.New("recipient not connected")

type (
	// Notifier tells a recipient that an envelope is waiting. Failures never
	// affect the stored envelope.
	Notifier interface {
		Notify(ctx context.Context, n model.Notification) error
	}

	// Hub tracks live websocket connections by recipient address.
	Hub struct {
		mu    sync.RWMutex
		conns map[string]map[*wsConn]struct{}
	}

	wsConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	// RedisNotifier publishes notifications so every relay instance can push them
	// to the sockets it holds.
	RedisNotifier struct {
		redis   *redis.RedisService
		channel string
		hub     *Hub
	}
)

var (
	_ Notifier = (*Hub)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*wsConn]struct{})}
}

func (h *Hub) add(addr string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[addr] == nil {
		h.conns[addr] = make(map[*wsConn]struct{})
	}
	h.conns[addr][c] = struct{}{}
}

func (h *Hub) remove(addr string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[addr], c)
	if len(h.conns[addr]) == 0 {
		delete(h.conns, addr)
	}
}

func (h *Hub) Connected(addr string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[addr])
}

func (h *Hub) Notify(_ context.Context, n model.Notification) error {
	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns[n.RecipientAddress]))
	for c := range h.conns[n.RecipientAddress] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotConnected
	}
	var errs []error
	for _, c := range targets {
		if err := c.writeJSON(&n); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return fmt.Errorf("notify %s: %w", n.RecipientAddress, errors.Join(errs...))
	}
	return nil
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, set := range h.conns {
		for c := range set {
			c.close()
		}
		delete(h.conns, addr)
	}
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
		time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// HandleWS upgrades an authenticated caller and keeps the socket registered until
// it closes. Only notifications flow over it; envelopes are fetched via /pending.
func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		addr, _ := addressFrom(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.String("address", addr), zap.Error(err))
			return
		}
		c := &wsConn{conn: conn}
		s.hub.add(addr, c)
		log.Debug("websocket connected", zap.String("address", addr))

		go s.readLoop(addr, c)
	}
}

func (s *HttpServer) readLoop(addr string, c *wsConn) {
	defer func() {
		s.hub.remove(addr, c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			log.Debug("websocket closed", zap.String("address", addr), zap.Error(err))
			return
		}
	}
}

func NewRedisNotifier(rs *redis.RedisService, channel string, hub *Hub) *RedisNotifier {
	return &RedisNotifier{redis: rs, channel: channel, hub: hub}
}

func (n *RedisNotifier) Notify(ctx context.Context, note model.Notification) error {
	data, err := json.Marshal(&note)
	if err != nil {
		return err
	}
	if err := n.redis.Publish(ctx, n.channel, data); err != nil {
		return fmt.Errorf("%w: publish: %v", model.ErrTransientIO, err)
	}
	return nil
}

// Run forwards published notifications to local sockets until ctx is done.
func (n *RedisNotifier) Run(ctx context.Context) error {
	sub := n.redis.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var note model.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
				log.Warn("drop malformed notification", zap.Error(err))
				continue
			}
			if err := n.hub.Notify(ctx, note); err != nil && !errors.Is(err, ErrNotConnected) {
				log.Warn("forward notification failed", zap.String("messageId", note.MessageID), zap.Error(err))
			}
		}
	}
}
