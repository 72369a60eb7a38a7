package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/limiquantix/modmgmt/internal/config"
)

// Frame kinds on the peer websocket.
const (
	frameData uint64 = 1
	frameAck  uint64 = 2
)

const (
	frameFieldKind    protowire.Number = 1
	frameFieldSeq     protowire.Number = 2
	frameFieldStatus  protowire.Number = 3
	frameFieldPayload protowire.Number = 4
)

type frame struct {
	kind    uint64
	seq     uint64
	status  Status
	payload []byte
}

func (f frame) marshal() []byte {
	var b []byte
	b = appendVarint(b, frameFieldKind, f.kind)
	b = appendVarint(b, frameFieldSeq, f.seq)
	b = appendVarint(b, frameFieldStatus, uint64(f.status))
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	return b
}

func unmarshalFrame(b []byte) (frame, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && num != frameFieldPayload:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case frameFieldKind:
				f.kind = v
			case frameFieldSeq:
				f.seq = v
			case frameFieldStatus:
				f.status = Status(v)
			}
		case typ == protowire.BytesType && num == frameFieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			f.payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.kind != frameData && f.kind != frameAck {
		return f, fmt.Errorf("%w: frame kind %d", ErrMalformed, f.kind)
	}
	return f, nil
}

// WSChannel is a Channel over websocket. Outgoing messages travel on a
// connection dialed to the peer; incoming messages arrive on connections the
// peer dialed to this side's handler. Every data frame is answered by an ack
// frame carrying the delivery status.
type WSChannel struct {
	address    string
	ackTimeout time.Duration
	dialer     *websocket.Dialer
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pending  map[uint64]chan Status
	seq      uint64
	inbox    chan Message
	incoming map[*websocket.Conn]struct{}
	closed   bool
}

// Ensure WSChannel implements Channel and http.Handler
var (
	_ Channel      = (*WSChannel)(nil)
	_ http.Handler = (*WSChannel)(nil)
)

// NewWSChannel creates a websocket channel that dials cfg.Address.
func NewWSChannel(cfg config.PeerConfig, logger *zap.Logger) *WSChannel {
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 64
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 3 * time.Second
	}
	return &WSChannel{
		address:    cfg.Address,
		ackTimeout: ackTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: ackTimeout,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
		},
		logger:   logger.Named("peer-ws"),
		pending:  make(map[uint64]chan Status),
		inbox:    make(chan Message, inboxSize),
		incoming: make(map[*websocket.Conn]struct{}),
	}
}

// =============================================================================
// Outgoing
// =============================================================================

// Send implements Channel. A failed dial is NotPresent; a missing ack or a
// broken connection is ContactLost.
func (c *WSChannel) Send(ctx context.Context, m Message) Status {
	payload, err := Marshal(m)
	if err != nil {
		c.logger.Error("Failed to encode peer message", zap.Stringer("opcode", m.Opcode()), zap.Error(err))
		return Fatal
	}

	conn, err := c.connect(ctx)
	if err != nil {
		if errors.Is(err, errClosed) {
			return Fatal
		}
		c.logger.Debug("Peer not reachable", zap.String("address", c.address), zap.Error(err))
		return NotPresent
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	ack := make(chan Status, 1)
	c.pending[seq] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	data := frame{kind: frameData, seq: seq, payload: payload}.marshal()
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.ackTimeout))
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to write peer message", zap.Stringer("opcode", m.Opcode()), zap.Error(err))
		c.drop(conn)
		return ContactLost
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case status := <-ack:
		return status
	case <-timer.C:
		c.logger.Warn("Peer did not acknowledge message",
			zap.Stringer("opcode", m.Opcode()),
			zap.Duration("ack_timeout", c.ackTimeout),
		)
		c.drop(conn)
		return ContactLost
	case <-ctx.Done():
		return ContactLost
	}
}

var errClosed = errors.New("peer channel closed")

func (c *WSChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	if c.address == "" {
		return nil, fmt.Errorf("no peer address configured")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer: %w", err)
	}
	c.conn = conn
	go c.readAcks(conn)

	c.logger.Info("Connected to peer", zap.String("address", c.address))
	return conn, nil
}

func (c *WSChannel) readAcks(conn *websocket.Conn) {
	defer c.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := unmarshalFrame(data)
		if err != nil || f.kind != frameAck {
			c.logger.Warn("Ignoring unexpected frame on outgoing connection", zap.Error(err))
			continue
		}
		c.mu.Lock()
		ack, ok := c.pending[f.seq]
		c.mu.Unlock()
		if ok {
			ack <- f.status
		}
	}
}

// drop forgets a broken outgoing connection and fails its in-flight sends.
func (c *WSChannel) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	conn.Close()
	for seq, ack := range c.pending {
		select {
		case ack <- ContactLost:
		default:
		}
		delete(c.pending, seq)
	}
}

// =============================================================================
// Incoming
// =============================================================================

// ServeHTTP accepts the peer's connection.
func (c *WSChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade peer connection", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.incoming[conn] = struct{}{}
	c.mu.Unlock()

	c.logger.Info("Peer connected", zap.String("remote_addr", r.RemoteAddr))

	defer func() {
		c.mu.Lock()
		delete(c.incoming, conn)
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Peer connection closed", zap.Error(err))
			}
			return
		}
		f, err := unmarshalFrame(data)
		if err != nil || f.kind != frameData {
			c.logger.Warn("Ignoring unexpected frame on incoming connection", zap.Error(err))
			continue
		}

		status := Fatal
		if m, err := Unmarshal(f.payload); err != nil {
			c.logger.Error("Failed to decode peer message", zap.Error(err))
		} else {
			status = c.enqueue(m)
		}

		ack := frame{kind: frameAck, seq: f.seq, status: status}.marshal()
		_ = conn.SetWriteDeadline(time.Now().Add(c.ackTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, ack); err != nil {
			c.logger.Warn("Failed to acknowledge peer message", zap.Error(err))
			return
		}
	}
}

func (c *WSChannel) enqueue(m Message) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NotPresent
	}
	select {
	case c.inbox <- m:
		return Delivered
	default:
		return Busy
	}
}

// Receive implements Channel.
func (c *WSChannel) Receive() <-chan Message {
	return c.inbox
}

// Close implements Channel.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	for conn := range c.incoming {
		conn.Close()
	}
	close(c.inbox)
	return nil
}
