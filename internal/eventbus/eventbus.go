// Package eventbus implements a typed, in-process multi-subscriber
// publisher (spec.md §4.1). Subscriptions are isolated from one
// another: a panicking or erroring handler never prevents its siblings
// from running, and emit is always fire-and-forget from the caller's
// perspective.
package eventbus

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Name identifies an event. Higher layers publish under the names
// listed in spec.md §4.1 (Registered, GroupCreated, RoundComplete, ...).
type Name string

const (
	Initialized     Name = "initialized"
	Connected       Name = "connected"
	Disconnected    Name = "disconnected"
	Registered      Name = "registered"
	GroupCreated    Name = "group-created"
	GroupJoined     Name = "group-joined"
	KeygenStarted   Name = "keygen-started"
	KeygenComplete  Name = "keygen-complete"
	SigningStarted  Name = "signing-started"
	SigningComplete Name = "signing-complete"
	RoundComplete   Name = "round-complete"
	Error           Name = "error"
)

// Handler receives an event payload. The concrete type carried in
// payload is event-specific (see the typed payload structs in the
// driver and session packages); handlers type-assert it themselves.
type Handler func(payload any)

// Unsubscribe revokes a single subscription. Calling it more than once
// is a no-op.
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is a typed publish/subscribe hub. The zero value is not usable;
// construct with New.
type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[Name][]subscription
}

// New builds an event bus that logs isolated handler panics/errors
// through logger.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Name][]subscription),
	}
}

// On subscribes handler to every future emission of name and returns a
// handle to revoke the subscription.
func (b *Bus) On(name Name, handler Handler) Unsubscribe {
	return b.subscribe(name, handler, false)
}

// Once subscribes handler for at most one delivery of name.
func (b *Bus) Once(name Name, handler Handler) Unsubscribe {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name Name, handler Handler, once bool) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler, once: once})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers payload to every current subscriber of name,
// synchronously and in subscription order. A subscriber that panics is
// logged and does not interrupt delivery to the remaining subscribers.
func (b *Bus) Emit(name Name, payload any) {
	for _, s := range b.snapshotAndConsumeOnce(name) {
		b.invoke(name, s.handler, payload)
	}
}

// AsyncResult aggregates the outcome of EmitAsync: Err is nil if every
// handler completed without panicking.
type AsyncResult struct {
	Handled int
	Err     error
}

// EmitAsync delivers payload to every current subscriber concurrently
// and returns once all have completed, surfacing every handler's
// failure via a multierr aggregate instead of dropping it.
func (b *Bus) EmitAsync(name Name, payload any) AsyncResult {
	subs := b.snapshotAndConsumeOnce(name)
	if len(subs) == 0 {
		return AsyncResult{}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, s := range subs {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = b.invoke(name, h, payload)
		}(i, s.handler)
	}
	wg.Wait()

	return AsyncResult{Handled: len(subs), Err: multierr.Combine(errs...)}
}

func (b *Bus) snapshotAndConsumeOnce(name Name) []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)

	remaining := list[:0]
	for _, s := range list {
		if !s.once {
			remaining = append(remaining, s)
		}
	}
	b.subs[name] = remaining

	return snapshot
}

// invoke runs a single handler, converting a panic into an error so
// callers can observe it without the bus itself ever panicking.
func (b *Bus) invoke(name Name, h Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: subscriber panicked",
				zap.String("event", string(name)),
				zap.Any("recovered", r),
			)
			err = panicError{name: name, recovered: r}
		}
	}()
	h(payload)
	return nil
}

type panicError struct {
	name      Name
	recovered any
}

func (e panicError) Error() string {
	return "eventbus: handler for " + string(e.name) + " panicked"
}

// Clear revokes every subscription across every event name.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Name][]subscription)
}
