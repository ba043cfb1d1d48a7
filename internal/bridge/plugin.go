// Package bridge wires the dispatcher to the host: it reacts to lifecycle
// reports, accepts method calls and feeds host results back for
// correlation.
package bridge

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/dispatch"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/host"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pending"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

// CallHandler accepts method-channel calls.
type CallHandler interface {
	HandleCall(ctx context.Context, call *protocol.Call, resp channel.Responder)
}

// Plugin is the bridge as seen by the host. Its capabilities are exposed
// as separate objects so each collaborator only sees what it uses.
type Plugin struct {
	machine    *lifecycle.Machine
	dispatcher *dispatch.Dispatcher
	container  host.Container
	events     dispatch.Publisher
	logger     *slog.Logger

	lifecycle *lifecycleObserver
	calls     *callHandler
	results   *resultCallback
}

// New creates a Plugin. publisher may be nil.
func New(machine *lifecycle.Machine, d *dispatch.Dispatcher, container host.Container, publisher dispatch.Publisher) *Plugin {
	p := &Plugin{
		machine:    machine,
		dispatcher: d,
		container:  container,
		events:     publisher,
		logger:     log.WithComponent("bridge"),
	}
	p.lifecycle = &lifecycleObserver{p: p}
	p.calls = &callHandler{p: p}
	p.results = &resultCallback{p: p}
	return p
}

// Lifecycle is the observer to bind to the host container.
func (p *Plugin) Lifecycle() host.LifecycleObserver { return p.lifecycle }

// Calls is the method-channel entry point.
func (p *Plugin) Calls() CallHandler { return p.calls }

// Results is the listener the plugin registers with the host container.
func (p *Plugin) Results() host.ResultListener { return p.results }

func (p *Plugin) State() lifecycle.State { return p.machine.State() }

func (p *Plugin) ContextID() string { return p.machine.Context() }

func (p *Plugin) Pending() []pending.Summary { return p.dispatcher.Pending() }

func (p *Plugin) transitioned(event string, tr lifecycle.Transition) {
	p.logger.Info("lifecycle transition",
		"event", event,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"context_id", tr.ContextID,
	)
	if p.events != nil {
		p.events.Publish(events.LifecycleChanged, map[string]any{
			"event":      event,
			"from":       tr.From.String(),
			"to":         tr.To.String(),
			"context_id": tr.ContextID,
			"at":         tr.At,
		})
	}
}

type lifecycleObserver struct {
	p *Plugin
}

func (o *lifecycleObserver) OnAttached(c host.Context) error {
	tr, err := o.p.machine.Attach(c.ID)
	if err != nil {
		return err
	}
	// Registration is re-established on every attach; a recreated context
	// does not carry the previous one over.
	o.p.container.AddResultListener(o.p.results)
	o.p.transitioned(protocol.LifecycleAttached, tr)
	return nil
}

func (o *lifecycleObserver) OnDetachedForConfigChanges() error {
	tr, err := o.p.machine.DetachForConfigChange()
	if err != nil {
		return err
	}
	// Pending operations stay registered; their results arrive after reattach.
	o.p.container.RemoveResultListener(o.p.results)
	o.p.transitioned(protocol.LifecycleDetachedForConfigChanges, tr)
	return nil
}

func (o *lifecycleObserver) OnReattached(c host.Context) error {
	tr, err := o.p.machine.Reattach(c.ID)
	if err != nil {
		return err
	}
	o.p.container.AddResultListener(o.p.results)
	o.p.transitioned(protocol.LifecycleReattached, tr)
	return nil
}

func (o *lifecycleObserver) OnDetached() error {
	tr, err := o.p.machine.Destroy()
	if err != nil {
		return err
	}
	o.p.container.RemoveResultListener(o.p.results)
	o.p.transitioned(protocol.LifecycleDetached, tr)
	o.p.dispatcher.DrainAll()
	return nil
}

type callHandler struct {
	p *Plugin
}

func (h *callHandler) HandleCall(ctx context.Context, call *protocol.Call, resp channel.Responder) {
	h.p.dispatcher.Submit(ctx, call, resp)
}

type resultCallback struct {
	p *Plugin
}

func (r *resultCallback) OnResult(token scan.Token, outcome scan.Outcome) bool {
	return r.p.dispatcher.Resolve(token, outcome)
}

func (r *resultCallback) OnMalformedResult(token scan.Token, err error) bool {
	return r.p.dispatcher.Fail(token, err)
}
