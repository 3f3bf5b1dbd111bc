// Package bus implements the in-process message bus agents and components
// use to exchange Message values: addressed unicast with a per-destination
// FIFO guarantee, plus broadcast fan-out to every live subscriber. Grounded
// on the teacher's concurrency.NotificationChannel/InAppChannel delivery
// model (concurrency/notifications.go) and concurrency.Subscriber/Event
// pub-sub shape (concurrency/event_stream.go), generalized from notification
// delivery to the runtime's own agent-addressed Message type.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gitmind-dev/gitmind/rtlog"
)

// Kind distinguishes a directly addressed message from a broadcast.
type Kind int

const (
	KindUnicast Kind = iota
	KindBroadcast
)

// Message is the unit of exchange on the bus (spec §3).
type Message struct {
	ID      string
	Kind    Kind
	From    string
	To      string // empty for KindBroadcast
	Topic   string
	Payload any
	SentAt  time.Time
}

// NewMessage builds a unicast Message with a generated ID and SentAt.
func NewMessage(from, to, topic string, payload any) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindUnicast,
		From:    from,
		To:      to,
		Topic:   topic,
		Payload: payload,
		SentAt:  time.Now(),
	}
}

// NewBroadcast builds a broadcast Message with a generated ID and SentAt.
func NewBroadcast(from, topic string, payload any) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Kind:    KindBroadcast,
		From:    from,
		Topic:   topic,
		Payload: payload,
		SentAt:  time.Now(),
	}
}

var (
	// ErrAlreadyRegistered is returned by Register when agentID already has
	// an inbox installed.
	ErrAlreadyRegistered = errors.New("bus: agent already registered")
	// ErrAgentNotFound is returned by Send when the destination was never
	// registered, or was unregistered before the lookup completed.
	ErrAgentNotFound = errors.New("bus: agent not found")
	// ErrInboxClosed is returned by Send when the destination's inbox was
	// torn down concurrently with the send racing Unregister.
	ErrInboxClosed = errors.New("bus: inbox closed")
	// ErrInboxFull is returned by Send when the destination's inbox buffer
	// has no room and the caller did not block (Bus never blocks a sender
	// on a slow consumer — see spec §5 backpressure).
	ErrInboxFull = errors.New("bus: inbox full")
)

// inbox is the bus's private handle on one agent's receive channel. send and
// close are serialized through mu so a Send racing an Unregister never panics
// on a send-to-closed-channel: Unregister flips closed under the same lock
// that guards the channel send.
type inbox struct {
	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (i *inbox) send(msg *Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrInboxClosed
	}
	select {
	case i.ch <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

func (i *inbox) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.closed {
		i.closed = true
		close(i.ch)
	}
}

// RouteInfo is what the scheduler/manager publish about a registered agent
// so the bus (and anyone routing off of it) can answer routing queries
// without a second round-trip through the manager.
type RouteInfo struct {
	Capabilities []string
	Load         float64 // [0,1], 0 = idle
	Healthy      bool
}

// Stats is a point-in-time snapshot of bus delivery counters.
type Stats struct {
	Registered      int
	Delivered       int64
	Failed          int64
	Broadcast       int64
	BroadcastFailed int64
}

// Bus is the message bus. The zero value is not usable; build one with New.
type Bus struct {
	defaultBuf int

	mu      sync.RWMutex
	inboxes map[string]*inbox
	routes  map[string]RouteInfo

	subMu sync.RWMutex
	subs  map[string]*inbox // broadcast subscribers, keyed by subscriber id

	delivered       atomic.Int64
	failed          atomic.Int64
	broadcastSent   atomic.Int64
	broadcastFailed atomic.Int64

	metrics *Metrics
}

// New builds a Bus whose per-agent inboxes are buffered to defaultBufSize
// messages. A size of 0 or less falls back to 64, matching the teacher's
// default channel buffer sizes in concurrency/orchestrator.go.
func New(defaultBufSize int) *Bus {
	if defaultBufSize <= 0 {
		defaultBufSize = 64
	}
	return &Bus{
		defaultBuf: defaultBufSize,
		inboxes:    make(map[string]*inbox),
		routes:     make(map[string]RouteInfo),
		subs:       make(map[string]*inbox),
	}
}

// Register installs an inbox for agentID and returns the receive side of its
// channel. Only the bus ever holds the send side; callers only ever read.
func (b *Bus) Register(agentID string) (<-chan *Message, error) {
	return b.RegisterBuffered(agentID, b.defaultBuf)
}

// RegisterBuffered is Register with an explicit buffer size, for agents that
// need a deeper or shallower inbox than the bus default.
func (b *Bus) RegisterBuffered(agentID string, bufSize int) (<-chan *Message, error) {
	if bufSize <= 0 {
		bufSize = b.defaultBuf
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, agentID)
	}

	inb := &inbox{ch: make(chan *Message, bufSize)}
	b.inboxes[agentID] = inb
	if b.metrics != nil {
		b.metrics.Registered.Set(float64(len(b.inboxes)))
	}

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("bus: registered agent %s (inbox=%d)", agentID, bufSize)
	}
	return inb.ch, nil
}

// Unregister tears down agentID's inbox. It is idempotent: unregistering an
// unknown or already-unregistered agent is a no-op. The inbox's channel is
// closed so a consumer ranging over it observes completion, but the closed
// flag is what makes any subsequently racing Send return ErrInboxClosed
// rather than panic.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	inb, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
		delete(b.routes, agentID)
		if b.metrics != nil {
			b.metrics.Registered.Set(float64(len(b.inboxes)))
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	inb.close()

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("bus: unregistered agent %s", agentID)
	}
}

// UpdateRoute records the latest capability/load/health snapshot for
// agentID, for use by Route. The manager/health monitor call this whenever
// an agent's state changes; it has no effect on delivery.
func (b *Bus) UpdateRoute(agentID string, info RouteInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inboxes[agentID]; !ok {
		return
	}
	b.routes[agentID] = info
}

// Send unicasts msg to msg.To. Per-destination ordering is FIFO with
// respect to the calling goroutine: Bus never reorders messages it has
// already accepted for the same destination. Send never blocks — a full
// inbox is surfaced as ErrInboxFull rather than stalling the sender.
func (b *Bus) Send(msg *Message) error {
	b.mu.RLock()
	inb, ok := b.inboxes[msg.To]
	b.mu.RUnlock()

	if !ok {
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		return fmt.Errorf("%w: %s", ErrAgentNotFound, msg.To)
	}

	if err := inb.send(msg); err != nil {
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("bus: send to %s failed: %v", msg.To, err)
		}
		return err
	}

	b.delivered.Add(1)
	if b.metrics != nil {
		b.metrics.Delivered.Inc()
	}
	return nil
}

// SendContext is Send but waits for room in the destination's inbox (or for
// ctx to end) instead of failing immediately on a full buffer. Used by
// callers that would rather apply backpressure than drop a message.
func (b *Bus) SendContext(ctx context.Context, msg *Message) error {
	b.mu.RLock()
	inb, ok := b.inboxes[msg.To]
	b.mu.RUnlock()
	if !ok {
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		return fmt.Errorf("%w: %s", ErrAgentNotFound, msg.To)
	}

	inb.mu.Lock()
	closed := inb.closed
	inb.mu.Unlock()
	if closed {
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		return ErrInboxClosed
	}

	select {
	case inb.ch <- msg:
		b.delivered.Add(1)
		if b.metrics != nil {
			b.metrics.Delivered.Inc()
		}
		return nil
	case <-ctx.Done():
		b.failed.Add(1)
		if b.metrics != nil {
			b.metrics.Failed.Inc()
		}
		return ctx.Err()
	}
}

// SubscribeBroadcast registers subscriberID to receive every broadcast
// Message sent after this call. The returned channel is closed on
// UnsubscribeBroadcast.
func (b *Bus) SubscribeBroadcast(subscriberID string, bufSize int) (<-chan *Message, error) {
	if bufSize <= 0 {
		bufSize = b.defaultBuf
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	if _, ok := b.subs[subscriberID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, subscriberID)
	}

	inb := &inbox{ch: make(chan *Message, bufSize)}
	b.subs[subscriberID] = inb
	return inb.ch, nil
}

// UnsubscribeBroadcast tears down subscriberID's broadcast feed. Idempotent.
func (b *Bus) UnsubscribeBroadcast(subscriberID string) {
	b.subMu.Lock()
	inb, ok := b.subs[subscriberID]
	if ok {
		delete(b.subs, subscriberID)
	}
	b.subMu.Unlock()

	if ok {
		inb.close()
	}
}

// Broadcast fans msg out to every current broadcast subscriber. A slow
// subscriber never blocks the others or the caller: delivery to each
// subscriber is attempted non-blockingly and a full/closed subscriber inbox
// only counts against BroadcastFailed, it never fails the call.
func (b *Bus) Broadcast(msg *Message) {
	msg.Kind = KindBroadcast

	b.subMu.RLock()
	targets := make([]*inbox, 0, len(b.subs))
	for _, inb := range b.subs {
		targets = append(targets, inb)
	}
	b.subMu.RUnlock()

	for _, inb := range targets {
		if err := inb.send(msg); err != nil {
			b.broadcastFailed.Add(1)
			if b.metrics != nil {
				b.metrics.BroadcastFailed.Inc()
			}
			continue
		}
		b.broadcastSent.Add(1)
		if b.metrics != nil {
			b.metrics.BroadcastSent.Inc()
		}
	}

	if rtlog.InfoLog != nil {
		rtlog.InfoLog.Printf("bus: broadcast %s topic=%s to %d subscriber(s)", msg.ID, msg.Topic, len(targets))
	}
}

// Route picks a registered agent whose route info satisfies filter, breaking
// ties toward the lowest reported load. It returns ok=false if no registered
// agent's route satisfies filter — callers (typically the scheduler) fall
// back to their own selection policy in that case.
func (b *Bus) Route(filter func(RouteInfo) bool) (agentID string, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bestLoad := 2.0 // above the [0,1] range, so any real candidate wins first
	for id, info := range b.routes {
		if !filter(info) {
			continue
		}
		if info.Load < bestLoad {
			bestLoad = info.Load
			agentID = id
			ok = true
		}
	}
	return agentID, ok
}

// Stats returns a point-in-time snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	registered := len(b.inboxes)
	b.mu.RUnlock()

	return Stats{
		Registered:      registered,
		Delivered:       b.delivered.Load(),
		Failed:          b.failed.Load(),
		Broadcast:       b.broadcastSent.Load(),
		BroadcastFailed: b.broadcastFailed.Load(),
	}
}
