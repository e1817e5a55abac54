package pipeline

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saacpsi/psistreams/errors"
)

const defaultQueueSize = 256

// Envelope carries the timing of a message
type Envelope struct {
	OriginatingTime time.Time
	CreationTime    time.Time
	SequenceID      int64
	SourceID        string
}

// Message is a datum with its envelope
type Message[T any] struct {
	Data T
	Envelope
}

// Producer is the type-erased view of a stream, used where the element type
// is only known at wiring time (stores, re-export, diagnostics).
type Producer interface {
	Name() string
	TypeName() string
	Owner() *Pipeline
	SubscribeAny(fn func(data any, env Envelope)) (unsubscribe func())
}

// Source is a typed stream
type Source[T any] interface {
	Producer
	Subscribe(fn func(Message[T])) (unsubscribe func())
}

// TypeName returns the runtime type name used to match streams with bindings
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

type subscription[T any] struct {
	queue chan Message[T]
	done  chan struct{}
	once  sync.Once
}

func (s *subscription[T]) close() {
	s.once.Do(func() { close(s.done) })
}

// Emitter posts timestamped messages to its subscribers. Every subscriber
// receives messages in post order on its own goroutine, owned by the
// emitter's pipeline.
type Emitter[T any] struct {
	name     string
	id       string
	typeName string
	owner    *Pipeline

	mu     sync.Mutex
	subs   map[int]*subscription[T]
	nextID int

	seq    atomic.Int64
	posted atomic.Int64
}

// NewEmitter creates an emitter owned by p
func NewEmitter[T any](p *Pipeline, name string) *Emitter[T] {
	e := &Emitter[T]{
		name:     name,
		id:       uuid.NewString(),
		typeName: TypeName[T](),
		owner:    p,
		subs:     make(map[int]*subscription[T]),
	}
	p.registerEmitter(e)
	return e
}

// Name returns the emitter name
func (e *Emitter[T]) Name() string { return e.name }

// TypeName returns the element type name
func (e *Emitter[T]) TypeName() string { return e.typeName }

// Owner returns the pipeline the emitter belongs to
func (e *Emitter[T]) Owner() *Pipeline { return e.owner }

// ID is the unique source id stamped on every envelope
func (e *Emitter[T]) ID() string { return e.id }

// Posted returns the number of messages posted
func (e *Emitter[T]) Posted() int64 { return e.posted.Load() }

// Subscribers returns the number of active subscriptions
func (e *Emitter[T]) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Post delivers data stamped with originatingTime to every subscriber. It
// blocks while a subscriber queue is full and fails once the owner is disposed.
func (e *Emitter[T]) Post(data T, originatingTime time.Time) error {
	ctx := e.owner.Context()
	if ctx.Err() != nil {
		return errors.WrapInvalid(errors.ErrDisposed, "Emitter", "Post", "post on "+e.name)
	}

	msg := Message[T]{
		Data: data,
		Envelope: Envelope{
			OriginatingTime: originatingTime,
			CreationTime:    e.owner.Now(),
			SequenceID:      e.seq.Add(1),
			SourceID:        e.id,
		},
	}

	e.mu.Lock()
	subs := make([]*subscription[T], 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return errors.WrapInvalid(errors.ErrDisposed, "Emitter", "Post", "post on "+e.name)
		}
	}

	e.posted.Add(1)
	e.owner.metrics.RecordPosted(e.owner.Name(), e.name)
	return nil
}

// Subscribe registers fn. The returned function removes the subscription.
func (e *Emitter[T]) Subscribe(fn func(Message[T])) func() {
	s := &subscription[T]{
		queue: make(chan Message[T], defaultQueueSize),
		done:  make(chan struct{}),
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = s
	e.mu.Unlock()

	unsubscribe := func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
		s.close()
	}

	ctx := e.owner.Context()
	if !e.owner.spawn(func() { deliver(ctx, s, fn) }) {
		unsubscribe()
	}
	return unsubscribe
}

// SubscribeAny registers a type-erased receiver
func (e *Emitter[T]) SubscribeAny(fn func(data any, env Envelope)) func() {
	return e.Subscribe(func(m Message[T]) { fn(m.Data, m.Envelope) })
}

func deliver[T any](ctx context.Context, s *subscription[T], fn func(Message[T])) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case m := <-s.queue:
			fn(m)
		}
	}
}
