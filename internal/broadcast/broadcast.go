// Package broadcast fans session events out to a bounded set of subscribers.
//
// Every [Broadcaster] owns a single delivery goroutine fed by an unbounded
// FIFO queue. Publish never blocks and never drops; all subscribers observe
// messages in the order they were published. A subscriber that joins late is
// first sent the most recent "status" message so it starts from the current
// lifecycle state.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the event name whose latest message is replayed to new
// subscribers.
const EventStatus = "status"

// DefaultMaxSubscribers bounds the subscriber set when Config leaves it zero.
const DefaultMaxSubscribers = 32

var (
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broadcast: closed")

	// ErrTooManySubscribers is returned when the subscriber bound is reached.
	ErrTooManySubscribers = errors.New("broadcast: subscriber limit reached")
)

// Message is one event delivered to subscribers. It marshals to
// {"event":…,"data":…,"timestamp":…} with an RFC 3339 timestamp.
type Message struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives messages on the delivery goroutine. It must not block
// for long; slow consumers delay every other subscriber of the session.
type Subscriber func(Message)

// Config configures a [Broadcaster].
type Config struct {
	// MaxSubscribers bounds concurrent subscribers. Zero means
	// [DefaultMaxSubscribers].
	MaxSubscribers int

	Logger *slog.Logger
}

type subscription struct {
	id string
	fn Subscriber
}

type delivery struct {
	msg Message
	// target restricts delivery to one subscriber id when non-empty.
	target string
}

// Broadcaster is a per-session publish/subscribe hub. All methods are safe
// for concurrent use.
type Broadcaster struct {
	max int
	log *slog.Logger

	mu         sync.Mutex
	subs       []subscription
	queue      []delivery
	lastStatus *Message
	closed     bool

	wake chan struct{}
	done chan struct{}
}

// New starts a Broadcaster and its delivery goroutine. Call Close to stop it.
func New(cfg Config) *Broadcaster {
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultMaxSubscribers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Broadcaster{
		max:  cfg.MaxSubscribers,
		log:  cfg.Logger,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish queues msg for every current subscriber. A zero Timestamp is set to
// the current time. Messages published after Close are discarded.
func (b *Broadcaster) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if msg.Event == EventStatus {
		m := msg
		b.lastStatus = &m
	}
	b.queue = append(b.queue, delivery{msg: msg})
	b.mu.Unlock()
	b.signal()
}

// Subscribe registers fn and returns its id and an idempotent unsubscribe
// function. The last status message, if any, is queued for fn alone.
func (b *Broadcaster) Subscribe(fn Subscriber) (string, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", nil, ErrClosed
	}
	if len(b.subs) >= b.max {
		b.mu.Unlock()
		return "", nil, ErrTooManySubscribers
	}
	id := uuid.NewString()
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	replay := b.lastStatus != nil
	if replay {
		b.queue = append(b.queue, delivery{msg: *b.lastStatus, target: id})
	}
	b.mu.Unlock()
	if replay {
		b.signal()
	}

	var once sync.Once
	return id, func() { once.Do(func() { b.remove(id) }) }, nil
}

// Len returns the number of current subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LastStatus returns the most recent status message.
func (b *Broadcaster) LastStatus() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == nil {
		return Message{}, false
	}
	return *b.lastStatus, true
}

// Close stops accepting messages and subscribers. Messages already queued are
// still delivered; Done is closed once the queue is drained. Close does not
// wait, so it may be called from a subscriber. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Done is closed when the delivery goroutine has exited.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Broadcaster) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			<-b.wake
			continue
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			if d.target != "" && s.id != d.target {
				continue
			}
			b.deliver(s, d.msg)
		}
	}
}

func (b *Broadcaster) deliver(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("broadcast: subscriber panicked",
				"subscriber_id", s.id,
				"event", msg.Event,
				"panic", r,
			)
		}
	}()
	s.fn(msg)
}
