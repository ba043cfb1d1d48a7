// Package channel carries replies from the bridge back to the application
// that issued a method call.
package channel

import (
	"context"
	"sync"

	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

// Responder is the single-use reply handle attached to one call. Exactly one
// of its methods takes effect; later calls are dropped.
type Responder interface {
	Success(result any)
	Error(code scan.Code, message string)
	NotImplemented()
}

// Future is a Responder whose reply can be awaited.
type Future struct {
	id    string
	once  sync.Once
	done  chan struct{}
	reply protocol.Reply
}

// NewFuture returns a Future for the call with the given id.
func NewFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func (f *Future) Success(result any) {
	f.deliver(protocol.Reply{ID: f.id, Status: protocol.StatusOK, Result: result})
}

func (f *Future) Error(code scan.Code, message string) {
	f.deliver(protocol.Reply{
		ID:     f.id,
		Status: protocol.StatusError,
		Error:  &protocol.ErrorBody{Code: string(code), Message: message},
	})
}

func (f *Future) NotImplemented() {
	f.deliver(protocol.Reply{ID: f.id, Status: protocol.StatusNotImplemented})
}

func (f *Future) deliver(r protocol.Reply) {
	delivered := false
	f.once.Do(func() {
		f.reply = r
		delivered = true
		close(f.done)
	})
	if !delivered {
		log.WithComponent("channel").Warn("dropping second reply", "call_id", f.id, "status", r.Status)
	}
}

// Done is closed once a reply has been delivered.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Reply returns the delivered reply without blocking.
func (f *Future) Reply() (protocol.Reply, bool) {
	select {
	case <-f.done:
		return f.reply, true
	default:
		return protocol.Reply{}, false
	}
}

// Wait blocks until a reply is delivered or ctx ends.
func (f *Future) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-f.done:
		return f.reply, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

// Push is a Responder that hands the reply to a send function, used for
// connections that stream replies rather than wait on them.
type Push struct {
	id   string
	once sync.Once
	send func(protocol.Reply)
}

// NewPush returns a Responder that calls send exactly once.
func NewPush(id string, send func(protocol.Reply)) *Push {
	return &Push{id: id, send: send}
}

func (p *Push) Success(result any) {
	p.deliver(protocol.Reply{ID: p.id, Status: protocol.StatusOK, Result: result})
}

func (p *Push) Error(code scan.Code, message string) {
	p.deliver(protocol.Reply{
		ID:     p.id,
		Status: protocol.StatusError,
		Error:  &protocol.ErrorBody{Code: string(code), Message: message},
	})
}

func (p *Push) NotImplemented() {
	p.deliver(protocol.Reply{ID: p.id, Status: protocol.StatusNotImplemented})
}

func (p *Push) deliver(r protocol.Reply) {
	p.once.Do(func() { p.send(r) })
}
