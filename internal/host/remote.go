package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/scan"
)

const (
	linkBuffer     = 8
	maxHeldResults = 64
)

// Delivery describes what happened to a result handed to Deliver.
type Delivery int

const (
	DeliveryHandled Delivery = iota
	DeliveryUnmatched
	DeliveryHeld
)

func (d Delivery) String() string {
	switch d {
	case DeliveryHandled:
		return "handled"
	case DeliveryUnmatched:
		return "unmatched"
	case DeliveryHeld:
		return "held"
	default:
		return fmt.Sprintf("delivery(%d)", int(d))
	}
}

type heldResult struct {
	token   scan.Token
	outcome scan.Outcome
	err     error
}

type link struct {
	ch chan LaunchRequest
}

// Remote is a Container driven by an out-of-process host. Lifecycle reports
// and results arrive over the host link; launch requests leave through
// links the host opens per context.
//
// Results that arrive between a transient detach and the reattach are held
// and replayed to the reattached listener. At any other time a result with
// no listener is unmatched.
type Remote struct {
	mu       sync.Mutex
	observer LifecycleObserver
	current  *Context
	links    map[string][]*link
	listener ResultListener
	holding  bool
	held     []heldResult
	now      func() time.Time
	logger   *slog.Logger
}

func NewRemote() *Remote {
	return &Remote{
		links:  make(map[string][]*link),
		now:    time.Now,
		logger: log.WithComponent("host"),
	}
}

// Bind sets the observer that receives lifecycle callbacks.
func (r *Remote) Bind(o LifecycleObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *Remote) boundObserver() (LifecycleObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observer == nil {
		return nil, errors.New("no lifecycle observer bound")
	}
	return r.observer, nil
}

// Attach reports a newly attached context.
func (r *Remote) Attach(contextID string) error {
	o, err := r.boundObserver()
	if err != nil {
		return err
	}
	c := Context{ID: contextID, AttachedAt: r.now()}
	if err := o.OnAttached(c); err != nil {
		return err
	}
	r.swap(&c, false)
	r.logger.Info("host context attached", "context_id", contextID)
	return nil
}

// DetachForConfigChanges reports a transient detach.
func (r *Remote) DetachForConfigChanges() error {
	o, err := r.boundObserver()
	if err != nil {
		return err
	}
	// Start holding before the listener goes away so nothing slips through.
	prev, wasHolding := r.swap(nil, true)
	if err := o.OnDetachedForConfigChanges(); err != nil {
		r.swap(prev, wasHolding)
		return err
	}
	r.logger.Info("host context detached for configuration change")
	return nil
}

// Reattach reports the replacement context after a transient detach.
func (r *Remote) Reattach(contextID string) error {
	o, err := r.boundObserver()
	if err != nil {
		return err
	}
	c := Context{ID: contextID, AttachedAt: r.now()}
	if err := o.OnReattached(c); err != nil {
		return err
	}
	r.swap(&c, false)
	r.logger.Info("host context reattached", "context_id", contextID)
	return nil
}

// Detach reports that the context was destroyed for good.
func (r *Remote) Detach() error {
	o, err := r.boundObserver()
	if err != nil {
		return err
	}
	// Launches must fail from here on, including those racing the drain.
	prev, wasHolding := r.swap(nil, false)
	if err := o.OnDetached(); err != nil {
		r.swap(prev, wasHolding)
		return err
	}
	r.mu.Lock()
	dropped := len(r.held)
	r.held = nil
	r.mu.Unlock()
	if dropped > 0 {
		r.logger.Warn("discarded held results of destroyed context", "count", dropped)
	}
	r.logger.Info("host context detached")
	return nil
}

// swap sets the current context and hold mode, returning the old values.
func (r *Remote) swap(c *Context, holding bool) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, wasHolding := r.current, r.holding
	r.current, r.holding = c, holding
	return prev, wasHolding
}

// Current returns the attached context, if any.
func (r *Remote) Current() (Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Context{}, false
	}
	return *r.current, true
}

// OpenLink registers a receiver for launch requests addressed to contextID.
// The returned cancel func must be called when the receiver goes away.
func (r *Remote) OpenLink(contextID string) (<-chan LaunchRequest, func()) {
	l := &link{ch: make(chan LaunchRequest, linkBuffer)}

	r.mu.Lock()
	r.links[contextID] = append(r.links[contextID], l)
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			ls := r.links[contextID]
			for i, candidate := range ls {
				if candidate == l {
					r.links[contextID] = append(ls[:i], ls[i+1:]...)
					break
				}
			}
			if len(r.links[contextID]) == 0 {
				delete(r.links, contextID)
			}
		})
	}
	return l.ch, cancel
}

// Launch hands a launch request to the current context.
func (r *Remote) Launch(ctx context.Context, token scan.Token, action engine.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ErrNoContext
	}
	req := LaunchRequest{Token: token, Action: action, ContextID: r.current.ID, At: r.now()}
	for _, l := range r.links[r.current.ID] {
		select {
		case l.ch <- req:
			r.logger.Debug("launch request queued", "token", string(token), "context_id", req.ContextID)
			return nil
		default:
		}
	}
	return fmt.Errorf("%w: %s", ErrLauncherUnavailable, r.current.ID)
}

// AddResultListener registers l and replays any held results to it.
func (r *Remote) AddResultListener(l ResultListener) {
	r.mu.Lock()
	r.listener = l
	held := r.held
	r.held = nil
	r.mu.Unlock()

	for _, h := range held {
		r.dispatch(l, h)
	}
}

// RemoveResultListener unregisters l if it is the current listener.
func (r *Remote) RemoveResultListener(l ResultListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == l {
		r.listener = nil
	}
}

// Deliver routes a decoded result to the listener.
func (r *Remote) Deliver(token scan.Token, outcome scan.Outcome) Delivery {
	return r.route(heldResult{token: token, outcome: outcome})
}

// DeliverMalformed routes a result payload that could not be decoded.
func (r *Remote) DeliverMalformed(token scan.Token, err error) Delivery {
	return r.route(heldResult{token: token, err: err})
}

func (r *Remote) route(h heldResult) Delivery {
	r.mu.Lock()
	l := r.listener
	if l == nil && !r.holding {
		r.mu.Unlock()
		r.logger.Warn("no result listener, dropping result", "token", string(h.token))
		return DeliveryUnmatched
	}
	if l == nil {
		if len(r.held) >= maxHeldResults {
			dropped := r.held[0]
			r.held = r.held[1:]
			r.logger.Warn("dropping oldest held result", "token", string(dropped.token))
		}
		r.held = append(r.held, h)
		r.mu.Unlock()
		r.logger.Info("holding result until a listener registers", "token", string(h.token))
		return DeliveryHeld
	}
	r.mu.Unlock()

	if r.dispatch(l, h) {
		return DeliveryHandled
	}
	return DeliveryUnmatched
}

func (r *Remote) dispatch(l ResultListener, h heldResult) bool {
	if h.err != nil {
		return l.OnMalformedResult(h.token, h.err)
	}
	return l.OnResult(h.token, h.outcome)
}

// Held returns the number of results waiting for a listener.
func (r *Remote) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
