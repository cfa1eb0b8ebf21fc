package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// KindConflictPending tells an involved party a conflict awaits their input.
	KindConflictPending = "conflict-pending"
	// KindConflictResolved tells an involved party a conflict was closed.
	KindConflictResolved = "conflict-resolved"

	defaultBufferSize = 16
)

// Message is one best-effort notification delivered to a user's open streams.
type Message struct {
	Kind       string
	ConflictID string
	EntryID    string
	Body       string
	Timestamp  time.Time
}

type subscriber struct {
	id     int64
	stream chan Message
}

// Dispatcher fans notifications out to per-user subscriber channels.
// Delivery is fire-and-forget: users without open streams miss the message,
// and slow consumers are skipped rather than blocking the sender.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

// NewDispatcher constructs an in-process notification dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Subscribe opens a notification stream for the user. The stream closes when
// the context is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	if userID == "" {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}

	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(userID, sub)

	cleanup := func() {
		d.unregister(userID, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Notify delivers a message to every open stream of the user. It never
// returns an error for delivery problems; those are logged and dropped.
func (d *Dispatcher) Notify(_ context.Context, userID string, message Message) error {
	d.mu.RLock()
	subs := make([]*subscriber, 0, len(d.subscribers[userID]))
	for _, sub := range d.subscribers[userID] {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.stream <- message:
		default:
			d.logger.Warn("notification dropped for slow subscriber",
				zap.String("user_id", userID),
				zap.String("kind", message.Kind),
				zap.String("conflict_id", message.ConflictID))
		}
	}

	d.logger.Info("notification dispatched",
		zap.String("user_id", userID),
		zap.String("kind", message.Kind),
		zap.String("conflict_id", message.ConflictID),
		zap.Int("streams", len(subs)))
	return nil
}

func (d *Dispatcher) register(userID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byID, ok := d.subscribers[userID]
	if !ok {
		byID = make(map[int64]*subscriber)
		d.subscribers[userID] = byID
	}
	byID[sub.id] = sub
}

func (d *Dispatcher) unregister(userID string, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byID, ok := d.subscribers[userID]
	if !ok {
		return
	}
	sub, ok := byID[id]
	if !ok {
		return
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(d.subscribers, userID)
	}
	close(sub.stream)
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}
