// File: worker/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package worker

import (
	"context"
	"sync"
)

// Message is one application frame taken from a dispatch queue. Payload is
// valid only for the duration of the handler call.
type Message struct {
	Type    uint32
	Payload []byte
	Queue   int
	Worker  int
}

// Handler processes messages of one type.
type Handler interface {
	Serve(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain applies mw to h so that mw[0] runs first.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Router maps message types to handlers. Safe for concurrent use.
type Router struct {
	mu         sync.RWMutex
	handlers   map[uint32]Handler
	fallback   Handler
	middleware []Middleware
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[uint32]Handler)}
}

// Use appends middleware. It wraps handlers registered after the call.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.middleware = append(r.middleware, mw...)
	r.mu.Unlock()
}

// Handle registers h for typ, replacing any previous handler.
func (r *Router) Handle(typ uint32, h Handler) {
	r.mu.Lock()
	r.handlers[typ] = Chain(h, r.middleware...)
	r.mu.Unlock()
}

// HandleFunc registers f for typ.
func (r *Router) HandleFunc(typ uint32, f func(context.Context, Message) error) {
	r.Handle(typ, HandlerFunc(f))
}

// Fallback sets the handler used for unregistered types.
func (r *Router) Fallback(h Handler) {
	r.mu.Lock()
	r.fallback = Chain(h, r.middleware...)
	r.mu.Unlock()
}

// Lookup returns the handler for typ, or nil.
func (r *Router) Lookup(typ uint32) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[typ]; ok {
		return h
	}
	return r.fallback
}
