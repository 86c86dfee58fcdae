// Package eventloop provides the serializing executor the engine runs on.
// All protocol state mutations happen on a single event loop: inbound
// envelopes, timer fires and host calls are enqueued as events and handled
// one at a time, so the protocol core needs no locks.
package eventloop

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// EventHandler processes an event.
type EventHandler func(event interface{})

type handlerOpts struct {
	priority bool
}

// HandlerOption sets configuration options for event handlers.
type HandlerOption func(*handlerOpts)

// Prioritize instructs the event loop to run the handler before handlers
// that do not have priority. It should only be used if you must look at an
// event before other handlers get to look at it.
func Prioritize() HandlerOption {
	return func(ho *handlerOpts) {
		ho.priority = true
	}
}

type handler struct {
	callback EventHandler
	opts     handlerOpts
}

type ticker struct {
	interval time.Duration
	callback func(time.Time) interface{}
	cancel   context.CancelFunc
}

type startTickerEvent struct {
	tickerID int
}

// EventLoop accepts events of any type and executes registered handlers.
type EventLoop struct {
	eventQ queue

	mut sync.Mutex // protects the following:

	ctx context.Context // set by Run

	waitingEvents map[reflect.Type][]interface{}
	handlers      map[reflect.Type][]handler

	tickers  map[int]*ticker
	tickerID int
}

// New returns a new event loop with the requested buffer size.
func New(bufferSize uint) *EventLoop {
	return &EventLoop{
		ctx:           context.Background(),
		eventQ:        newQueue(bufferSize),
		waitingEvents: make(map[reflect.Type][]interface{}),
		handlers:      make(map[reflect.Type][]handler),
		tickers:       make(map[int]*ticker),
	}
}

// RegisterHandler registers a handler for the given event type. The
// returned id can be passed to UnregisterHandler.
func (el *EventLoop) RegisterHandler(eventType interface{}, callback EventHandler, opts ...HandlerOption) int {
	h := handler{callback: callback}
	for _, opt := range opts {
		opt(&h.opts)
	}

	el.mut.Lock()
	defer el.mut.Unlock()

	t := reflect.TypeOf(eventType)
	handlers := el.handlers[t]

	// reuse a slot freed by UnregisterHandler, if any
	i := 0
	for ; i < len(handlers); i++ {
		if handlers[i].callback == nil {
			break
		}
	}
	if i == len(handlers) {
		handlers = append(handlers, h)
	} else {
		handlers[i] = h
	}
	el.handlers[t] = handlers
	return i
}

// UnregisterHandler removes the handler for the given event type and id.
func (el *EventLoop) UnregisterHandler(eventType interface{}, id int) {
	el.mut.Lock()
	defer el.mut.Unlock()
	el.handlers[reflect.TypeOf(eventType)][id].callback = nil
}

// AddEvent enqueues an event for processing.
func (el *EventLoop) AddEvent(event interface{}) {
	if event != nil {
		el.eventQ.push(event)
	}
}

// Context returns the context associated with the event loop: the one
// passed to Run, or the last one passed to Tick.
func (el *EventLoop) Context() context.Context {
	el.mut.Lock()
	defer el.mut.Unlock()
	return el.ctx
}

func (el *EventLoop) setContext(ctx context.Context) {
	el.mut.Lock()
	defer el.mut.Unlock()
	el.ctx = ctx
}

// Run processes events until ctx is cancelled. Events remaining in the
// queue at cancellation are processed before Run returns.
func (el *EventLoop) Run(ctx context.Context) {
	el.setContext(ctx)

loop:
	for {
		event, ok := el.eventQ.pop()
		if !ok {
			select {
			case <-el.eventQ.ready():
				continue loop
			case <-ctx.Done():
				break loop
			}
		}
		if e, ok := event.(startTickerEvent); ok {
			el.startTicker(e.tickerID)
			continue
		}
		el.processEvent(event)
	}

	// drain the events that were queued at cancellation time
	l := el.eventQ.len()
	for i := 0; i < l; i++ {
		event, _ := el.eventQ.pop()
		el.processEvent(event)
	}
}

// Tick processes a single event. Returns true if an event was handled.
func (el *EventLoop) Tick(ctx context.Context) bool {
	el.setContext(ctx)

	event, ok := el.eventQ.pop()
	if !ok {
		return false
	}
	if e, ok := event.(startTickerEvent); ok {
		el.startTicker(e.tickerID)
	} else {
		el.processEvent(event)
	}
	return true
}

// processEvent dispatches the event to the registered handlers, priority
// handlers first.
func (el *EventLoop) processEvent(event interface{}) {
	t := reflect.TypeOf(event)
	defer el.dispatchDelayedEvents(t)

	// copy the handlers so they run outside the lock
	var priority, regular []EventHandler
	el.mut.Lock()
	for _, h := range el.handlers[t] {
		if h.callback == nil {
			continue
		}
		if h.opts.priority {
			priority = append(priority, h.callback)
		} else {
			regular = append(regular, h.callback)
		}
	}
	el.mut.Unlock()

	for _, callback := range priority {
		callback(event)
	}
	for _, callback := range regular {
		callback(event)
	}
}

func (el *EventLoop) dispatchDelayedEvents(t reflect.Type) {
	el.mut.Lock()
	events, ok := el.waitingEvents[t]
	if ok {
		delete(el.waitingEvents, t)
	}
	el.mut.Unlock()

	for _, event := range events {
		el.AddEvent(event)
	}
}

// DelayUntil delays handling of event until an event of eventType's type
// has been handled. eventType should be the zero value of that type.
func (el *EventLoop) DelayUntil(eventType, event interface{}) {
	if eventType == nil || event == nil {
		return
	}
	el.mut.Lock()
	t := reflect.TypeOf(eventType)
	el.waitingEvents[t] = append(el.waitingEvents[t], event)
	el.mut.Unlock()
}

// AddTicker adds a ticker with the specified interval and returns its id.
// At each tick, callback produces an event that is sent on the event loop.
// The ticker starts when the event loop runs.
func (el *EventLoop) AddTicker(interval time.Duration, callback func(tick time.Time) (event interface{})) int {
	el.mut.Lock()
	id := el.tickerID
	el.tickerID++
	el.tickers[id] = &ticker{
		interval: interval,
		callback: callback,
		cancel:   func() {},
	}
	el.mut.Unlock()

	// the ticker must inherit the event loop's context, so it is started
	// from the run loop
	el.eventQ.push(startTickerEvent{id})
	return id
}

// RemoveTicker removes the ticker with the given id, reporting whether it
// existed.
func (el *EventLoop) RemoveTicker(id int) bool {
	el.mut.Lock()
	defer el.mut.Unlock()
	ticker, ok := el.tickers[id]
	if !ok {
		return false
	}
	ticker.cancel()
	delete(el.tickers, id)
	return true
}

func (el *EventLoop) startTicker(id int) {
	// hold the lock so the ticker cannot be removed before it starts
	el.mut.Lock()
	defer el.mut.Unlock()
	ticker, ok := el.tickers[id]
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(el.ctx)
	ticker.cancel = cancel
	go el.runTicker(ctx, ticker)
}

func (el *EventLoop) runTicker(ctx context.Context, ticker *ticker) {
	t := time.NewTicker(ticker.interval)
	defer t.Stop()

	if ctx.Err() != nil {
		return
	}

	// send the first event immediately
	el.AddEvent(ticker.callback(time.Now()))

	for {
		select {
		case tick := <-t.C:
			el.AddEvent(ticker.callback(tick))
		case <-ctx.Done():
			return
		}
	}
}
