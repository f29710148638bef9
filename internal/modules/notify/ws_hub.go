package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tarhal/internal/types"
)

const (
	wsGateway = "websocket"
	// wsWriteWait bounds a single frame write to a slow or dead peer.
	wsWriteWait = 10 * time.Second
)

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Envelope is the frame written to websocket clients.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WSSession is one connected client. Writes are serialized per connection.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

// Send writes one frame. The write gives up at the earlier of ctx's deadline
// and wsWriteWait from now.
func (s *WSSession) Send(ctx context.Context, v interface{}) error {
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions keyed by recipient and doubles as a Gateway.
// A recipient reconnecting replaces its previous session. Recipients without
// a session get a bare ErrNoSession: nothing was attempted, so it is neither
// logged nor counted as a failed delivery.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	log      logrus.FieldLogger
}

func NewWSRegistry(log logrus.FieldLogger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), log: log}
}

// Add registers conn for r and returns a function that unregisters it.
func (reg *WSRegistry) Add(r Recipient, conn Conn) func() {
	s := &WSSession{conn: conn}
	key := r.key()
	reg.mu.Lock()
	if old, ok := reg.sessions[key]; ok {
		_ = old.conn.Close()
	}
	reg.sessions[key] = s
	reg.mu.Unlock()

	return func() {
		reg.mu.Lock()
		if reg.sessions[key] == s {
			delete(reg.sessions, key)
		}
		reg.mu.Unlock()
	}
}

func (reg *WSRegistry) Connected(r Recipient) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.sessions[r.key()]
	return ok
}

func (reg *WSRegistry) Offer(ctx context.Context, driverID types.ID, p OfferPush) error {
	return reg.send(ctx, Recipient{Role: RoleDriver, ID: driverID}, Envelope{Type: "ride_request", Data: p})
}

func (reg *WSRegistry) Inform(ctx context.Context, to Recipient, u RideUpdate) error {
	return reg.send(ctx, to, Envelope{Type: "ride_update", Data: u})
}

func (reg *WSRegistry) send(ctx context.Context, r Recipient, v interface{}) error {
	reg.mu.RLock()
	s, ok := reg.sessions[r.key()]
	reg.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ctx, v); err != nil {
		reg.log.WithError(err).WithField("recipient", r.key()).Warn("ws send error")
		return deliveryError(wsGateway, err)
	}
	return nil
}
