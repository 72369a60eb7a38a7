package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// RequestState is the state of one peer-gated operation.
type RequestState string

const (
	StateIdle                RequestState = "IDLE"
	StatePermissionRequested RequestState = "PERMISSION_REQUESTED"
	StateGranted             RequestState = "GRANTED"
	StateDenied              RequestState = "DENIED"
	StateRetry               RequestState = "RETRY"
	StateFatal               RequestState = "FATAL"
)

// Resolved reports whether the request reached a final state.
func (s RequestState) Resolved() bool {
	return s == StateGranted || s == StateDenied || s == StateFatal
}

// DenyReason records why a request was denied.
type DenyReason string

const (
	DenyNone        DenyReason = ""
	DenyByPeer      DenyReason = "PEER_DENIED"
	DenyPeerAbsent  DenyReason = "PEER_NOT_PRESENT"
	DenyBusyRetries DenyReason = "BUSY_RETRIES_EXHAUSTED"
	DenyFatal       DenyReason = "FATAL_ERROR"
)

// Request is a snapshot of one permission request.
type Request struct {
	ID      uuid.UUID    `json:"id"`
	Subject Subject      `json:"subject"`
	State   RequestState `json:"state"`
	Reason  DenyReason   `json:"reason,omitempty"`
	Retries int          `json:"retries"`
}

// Handler receives the messages the coordinator does not consume itself.
type Handler interface {
	HandlePeerMessage(ctx context.Context, m Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, m Message) error

// HandlePeerMessage implements Handler.
func (f HandlerFunc) HandlePeerMessage(ctx context.Context, m Message) error {
	return f(ctx, m)
}

// Coordinator serializes access to subjects shared by both controllers.
// A side holds a subject while its request is granted; a peer request is
// granted unless this side holds or claims the same subject, and
// simultaneous claims are won by side A.
type Coordinator struct {
	side        domain.Side
	channel     Channel
	busyRetries int
	fallback    Handler
	logger      *zap.Logger

	mu       sync.Mutex
	requests map[uuid.UUID]*Request
	// granted holds the subjects this side granted to the peer.
	granted map[Subject]uuid.UUID
}

// NewCoordinator creates a coordinator. Messages not part of the permission
// handshake are passed to fallback, which may be nil.
func NewCoordinator(side domain.Side, channel Channel, busyRetries int, fallback Handler, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		side:        side,
		channel:     channel,
		busyRetries: busyRetries,
		fallback:    fallback,
		logger:      logger.With(zap.String("component", "peer"), zap.Stringer("side", side)),
		requests:    make(map[uuid.UUID]*Request),
		granted:     make(map[Subject]uuid.UUID),
	}
}

// =============================================================================
// Local requests
// =============================================================================

// RequestPermission asks the peer for a subject. The returned request is
// PermissionRequested until the peer answers, or already resolved when
// delivery failed.
func (c *Coordinator) RequestPermission(ctx context.Context, subject Subject) (Request, error) {
	c.mu.Lock()
	for _, r := range c.requests {
		if r.Subject == subject && !r.State.Resolved() {
			snapshot := *r
			c.mu.Unlock()
			return snapshot, fmt.Errorf("%w: request for %s already pending", domain.ErrConflict, subject)
		}
	}
	req := &Request{ID: uuid.New(), Subject: subject, State: StatePermissionRequested}
	c.requests[req.ID] = req
	c.mu.Unlock()

	c.logger.Info("Requesting peer permission",
		zap.Stringer("subject", subject),
		zap.Stringer("request_id", req.ID),
	)

	msg := &PermissionRequest{ID: req.ID, From: c.side, Subject: subject}
	for {
		status := c.channel.Send(ctx, msg)
		if !c.requestDelivery(req.ID, status) {
			break
		}
	}
	return c.Request(req.ID)
}

// requestDelivery applies the delivery status of a permission request and
// reports whether the request must be issued again.
func (c *Coordinator) requestDelivery(id uuid.UUID, status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok {
		return false
	}

	switch status {
	case Delivered:
		// The answer may already have arrived
		if req.State == StateRetry {
			req.State = StatePermissionRequested
		}
		return false
	case NotPresent, ContactLost:
		c.deny(req, DenyPeerAbsent)
		return false
	case Busy:
		if req.Retries >= c.busyRetries {
			c.deny(req, DenyBusyRetries)
			return false
		}
		req.Retries++
		req.State = StateRetry
		c.logger.Debug("Peer busy, retrying permission request",
			zap.Stringer("request_id", id),
			zap.Int("retry", req.Retries),
		)
		return true
	default:
		req.State = StateFatal
		req.Reason = DenyFatal
		c.logger.Error("Permission request failed", zap.Stringer("request_id", id), zap.Stringer("status", status))
		return false
	}
}

// deny resolves a request as denied. A resolved request is left alone so a
// request is denied at most once.
func (c *Coordinator) deny(req *Request, reason DenyReason) {
	if req.State.Resolved() {
		return
	}
	req.State = StateDenied
	req.Reason = reason
	c.logger.Info("Peer permission denied",
		zap.Stringer("subject", req.Subject),
		zap.Stringer("request_id", req.ID),
		zap.String("reason", string(reason)),
	)
}

// Request returns a snapshot of a request.
func (c *Coordinator) Request(id uuid.UUID) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return Request{}, domain.ErrNotFound
	}
	return *req, nil
}

// Release gives a granted subject back to the peer and forgets the request.
func (c *Coordinator) Release(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	if req.State != StateGranted {
		return nil
	}

	status := c.channel.Send(ctx, &PermissionRelease{ID: id, From: c.side, Subject: req.Subject})
	if status != Delivered {
		c.logger.Debug("Permission release not delivered",
			zap.Stringer("subject", req.Subject),
			zap.Stringer("status", status),
		)
	}
	return nil
}

// Broadcast sends a status message without gating. Delivery failures are
// logged and otherwise ignored.
func (c *Coordinator) Broadcast(ctx context.Context, m Message) {
	if status := c.channel.Send(ctx, m); status != Delivered {
		c.logger.Debug("Broadcast not delivered",
			zap.Stringer("opcode", m.Opcode()),
			zap.Stringer("status", status),
		)
	}
}

// =============================================================================
// Incoming messages
// =============================================================================

// Run dispatches incoming messages until ctx is done or the channel closes.
func (c *Coordinator) Run(ctx context.Context) {
	in := c.channel.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			if err := c.Handle(ctx, m); err != nil {
				c.logger.Warn("Failed to handle peer message", zap.Stringer("opcode", m.Opcode()), zap.Error(err))
			}
		}
	}
}

// Handle processes one message from the peer.
func (c *Coordinator) Handle(ctx context.Context, m Message) error {
	return m.Accept(&dispatcher{c: c, ctx: ctx})
}

// dispatcher binds a context to the message visitor.
type dispatcher struct {
	c   *Coordinator
	ctx context.Context
}

// Ensure dispatcher implements Visitor
var _ Visitor = (*dispatcher)(nil)

func (d *dispatcher) VisitPermissionRequest(m *PermissionRequest) error {
	c := d.c
	c.mu.Lock()
	grant := true
	for _, r := range c.requests {
		if r.Subject != m.Subject {
			continue
		}
		switch r.State {
		case StateGranted:
			grant = false
		case StatePermissionRequested, StateRetry:
			// Both sides claim the subject; side A wins
			if c.side == domain.SideA {
				grant = false
			}
		}
	}
	if holder, held := c.granted[m.Subject]; held && holder != m.ID {
		grant = false
	}
	if grant {
		c.granted[m.Subject] = m.ID
	}
	c.mu.Unlock()

	var reply Message
	if grant {
		reply = &PermissionGrant{ID: m.ID, From: c.side, Subject: m.Subject}
	} else {
		reply = &PermissionDeny{ID: m.ID, From: c.side, Subject: m.Subject}
	}
	c.logger.Info("Answering peer permission request",
		zap.Stringer("subject", m.Subject),
		zap.Bool("granted", grant),
	)

	status := c.channel.Send(d.ctx, reply)
	c.responseDelivery(reply, m.Subject, status)
	return nil
}

// responseDelivery applies the delivery status of a grant or deny. Responses
// are never re-sent; the peer resolves its own request on its own.
func (c *Coordinator) responseDelivery(reply Message, subject Subject, status Status) {
	switch status {
	case Delivered:
		return
	case Busy:
		c.logger.Error("Peer reported busy for a permission response",
			zap.Stringer("opcode", reply.Opcode()),
			zap.Stringer("subject", subject),
		)
	case NotPresent, ContactLost:
		c.logger.Debug("Peer gone before permission response",
			zap.Stringer("opcode", reply.Opcode()),
			zap.Stringer("subject", subject),
		)
	default:
		c.logger.Warn("Abandoning permission response",
			zap.Stringer("opcode", reply.Opcode()),
			zap.Stringer("status", status),
		)
	}
	// The peer never saw the grant, so it does not hold the subject
	if _, ok := reply.(*PermissionGrant); ok {
		c.mu.Lock()
		delete(c.granted, subject)
		c.mu.Unlock()
	}
}

func (d *dispatcher) VisitPermissionGrant(m *PermissionGrant) error {
	return d.c.resolve(m.ID, StateGranted, DenyNone)
}

func (d *dispatcher) VisitPermissionDeny(m *PermissionDeny) error {
	return d.c.resolve(m.ID, StateDenied, DenyByPeer)
}

func (c *Coordinator) resolve(id uuid.UUID, state RequestState, reason DenyReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return fmt.Errorf("%w: answer for unknown request %s", domain.ErrNotFound, id)
	}
	if req.State.Resolved() {
		return nil
	}
	if state == StateDenied {
		c.deny(req, reason)
		return nil
	}
	req.State = state
	c.logger.Info("Peer permission granted",
		zap.Stringer("subject", req.Subject),
		zap.Stringer("request_id", id),
	)
	return nil
}

func (d *dispatcher) VisitPermissionRelease(m *PermissionRelease) error {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.granted[m.Subject] == m.ID {
		delete(c.granted, m.Subject)
	}
	return nil
}

func (d *dispatcher) VisitConfigChanged(m *ConfigChanged) error {
	return d.forward(m)
}

func (d *dispatcher) VisitPeerAlive(m *PeerAlive) error {
	return d.forward(m)
}

func (d *dispatcher) forward(m Message) error {
	if d.c.fallback == nil {
		return nil
	}
	return d.c.fallback.HandlePeerMessage(d.ctx, m)
}

// PeerHolds reports whether the peer currently holds a subject granted by
// this side.
func (c *Coordinator) PeerHolds(subject Subject) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.granted[subject]
	return ok
}

// PeerLost drops the subjects granted to the peer and denies requests still
// waiting for an answer.
func (c *Coordinator) PeerLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.granted)
	for _, req := range c.requests {
		if req.State == StatePermissionRequested || req.State == StateRetry {
			c.deny(req, DenyPeerAbsent)
		}
	}
}
