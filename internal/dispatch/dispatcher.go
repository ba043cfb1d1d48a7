package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/host"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pending"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

// Correlation selects how tokens are minted.
type Correlation string

const (
	// CorrelationPerRequest mints a fresh token per call; any number of
	// scans may be in flight.
	CorrelationPerRequest Correlation = "per_request"
	// CorrelationPerKind uses the kind's fixed request code; at most one
	// scan per kind may be in flight.
	CorrelationPerKind Correlation = "per_kind"
)

type Config struct {
	Correlation           Correlation
	PendingTimeout        time.Duration
	SweepInterval         time.Duration
	NotifyDocumentScanned bool
}

// Journal persists the scan log.
type Journal interface {
	Record(ctx context.Context, req journal.RecordRequest) (string, error)
	Complete(ctx context.Context, token scan.Token, c journal.Completion) error
}

// Publisher receives bridge activity events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Attachment reports whether a host context is attached.
type Attachment interface {
	Attached() bool
	Context() string
}

const (
	msgNoContext = "no host context attached, cannot start scanner"
	msgDetached  = "host context was destroyed before the scan completed"
	msgExpired   = "timed out waiting for scan result"
)

// Dispatcher owns the path from call to reply.
type Dispatcher struct {
	cfg        Config
	registry   *pending.Registry
	attachment Attachment
	engine     engine.Engine
	launcher   host.Launcher
	journal    Journal
	events     Publisher
	logger     *slog.Logger
	newToken   func() scan.Token

	mu       sync.Mutex
	inflight map[scan.Kind]bool

	// gate orders registration against DrainAll. epoch counts drains, so
	// a prepare that started before a destroy cannot register after it.
	gate  sync.Mutex
	epoch uint64

	wg sync.WaitGroup
}

// New creates a Dispatcher. journal and publisher may be nil.
func New(
	cfg Config,
	registry *pending.Registry,
	attachment Attachment,
	eng engine.Engine,
	launcher host.Launcher,
	j Journal,
	publisher Publisher,
) *Dispatcher {
	if cfg.Correlation == "" {
		cfg.Correlation = CorrelationPerRequest
	}
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		attachment: attachment,
		engine:     eng,
		launcher:   launcher,
		journal:    j,
		events:     publisher,
		logger:     log.WithComponent("dispatch"),
		newToken:   func() scan.Token { return scan.Token(uuid.NewString()) },
		inflight:   make(map[scan.Kind]bool),
	}
}

// Submit starts the scan for call. The reply is delivered through resp,
// possibly after Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, call *protocol.Call, resp channel.Responder) {
	logger := log.WithMethod(call.Method)

	kind, ok := scan.KindForMethod(call.Method)
	if !ok {
		logger.Debug("method not implemented")
		resp.NotImplemented()
		return
	}

	// Read the epoch before the attachment check: a destroy landing in
	// between is then seen by start as an epoch change.
	epoch := d.currentEpoch()
	if !d.attachment.Attached() {
		d.reject(call.Method, resp, scan.CodeActivityNotAvailable, msgNoContext)
		return
	}

	token := d.tokenFor(kind)
	if d.cfg.Correlation == CorrelationPerKind && !d.claim(kind) {
		d.reject(call.Method, resp, scan.CodeInProgress,
			fmt.Sprintf("a %s scan is already in progress", kind))
		return
	}

	op := &pending.Operation{
		Token:     token,
		Kind:      kind,
		Method:    call.Method,
		PageLimit: scan.PageLimit(call.Args),
		Responder: resp,
	}
	d.publish(events.ScanSubmitted, map[string]any{
		"token":      string(token),
		"method":     call.Method,
		"page_limit": op.PageLimit,
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.start(context.WithoutCancel(ctx), op, epoch)
	}()
}

// start runs prepare, register and launch for op. epoch is the drain
// count observed when op was submitted.
func (d *Dispatcher) start(ctx context.Context, op *pending.Operation, epoch uint64) {
	logger := log.WithToken(string(op.Token)).With("method", op.Method)

	action, err := d.engine.Prepare(ctx, scan.NewOptions(op.PageLimit))
	if err != nil {
		d.release(op.Kind)
		logger.Warn("engine prepare failed", "error", err)
		d.reject(op.Method, op.Responder, scan.CodeScanFailed, err.Error())
		return
	}

	op.CreatedAt = time.Now()
	d.gate.Lock()
	if d.epoch != epoch {
		d.gate.Unlock()
		d.release(op.Kind)
		logger.Info("host context destroyed while preparing scan")
		d.reject(op.Method, op.Responder, scan.CodeActivityDetached, msgDetached)
		return
	}
	err = d.registry.Register(op)
	d.gate.Unlock()
	if err != nil {
		// Tokens are unique by construction; a collision is a bug.
		d.release(op.Kind)
		logger.Error("pending operation registration failed", "error", err)
		d.reject(op.Method, op.Responder, scan.CodeScanFailed, fmt.Sprintf("could not register scan: %v", err))
		return
	}
	d.publish(events.ScanRegistered, map[string]any{"token": string(op.Token), "action_id": action.ID})

	if d.journal != nil {
		if _, err := d.journal.Record(ctx, journal.RecordRequest{
			Token:     op.Token,
			Kind:      op.Kind,
			Method:    op.Method,
			PageLimit: op.PageLimit,
			ContextID: d.attachment.Context(),
		}); err != nil {
			logger.Error("failed to journal scan", "error", err)
		}
	}

	if err := d.launcher.Launch(ctx, op.Token, action); err != nil {
		logger.Warn("launch failed", "error", err)
		if taken, ok := d.registry.TakeFor(op.Token); ok {
			d.release(taken.Kind)
			d.fail(taken, journal.StatusFailed, scan.Errorf(scan.CodeScanFailed, "could not launch scanner: %v", err))
		}
		return
	}
	logger.Info("scanner launched", "action_id", action.ID, "page_limit", op.PageLimit)
	d.publish(events.HostLaunch, map[string]any{"token": string(op.Token), "action_id": action.ID})
}

// Resolve delivers outcome to the operation registered under token. It
// reports false when no such operation is pending.
func (d *Dispatcher) Resolve(token scan.Token, outcome scan.Outcome) bool {
	op, ok := d.registry.TakeFor(token)
	if !ok {
		log.WithToken(string(token)).Warn("dropping result for unknown or resolved token")
		return false
	}
	d.release(op.Kind)

	result, err := d.translate(op.Kind, outcome)
	if err != nil {
		d.fail(op, journal.StatusFailed, scan.AsError(err, scan.CodeProcessingError))
		return true
	}

	op.Responder.Success(result)
	status := journal.StatusSucceeded
	if result == nil {
		status = journal.StatusCancelled
	}
	d.complete(op.Token, journal.Completion{Status: status, Result: result})
	d.publish(events.ScanResolved, map[string]any{"token": string(token), "status": status})
	log.WithToken(string(token)).Info("scan resolved", "status", status)

	if d.cfg.NotifyDocumentScanned {
		if n, ok := outcome.Notification(); ok {
			d.publish(events.DocumentScanned, n)
		}
	}
	return true
}

// Fail resolves the operation for token with ScanProcessingError. It is
// used when the host's result payload cannot be decoded.
func (d *Dispatcher) Fail(token scan.Token, cause error) bool {
	op, ok := d.registry.TakeFor(token)
	if !ok {
		log.WithToken(string(token)).Warn("dropping malformed result for unknown or resolved token", "error", cause)
		return false
	}
	d.release(op.Kind)
	d.fail(op, journal.StatusFailed, scan.Errorf(scan.CodeProcessingError, "could not process scan result: %v", cause))
	return true
}

// translate recovers a panicking translation into ScanProcessingError.
func (d *Dispatcher) translate(kind scan.Kind, outcome scan.Outcome) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("outcome translation panicked", "kind", kind, "panic", r)
			result = nil
			err = scan.Errorf(scan.CodeProcessingError, "error processing scan result: %v", r)
		}
	}()
	return scan.Translate(kind, outcome)
}

// DrainAll answers every pending operation with ActivityDetached. It is
// called once when the host context is destroyed. Prepares still running
// are answered with ActivityDetached when they finish.
func (d *Dispatcher) DrainAll() int {
	d.gate.Lock()
	d.epoch++
	drained := d.registry.DrainAll()
	d.gate.Unlock()

	for _, op := range drained {
		d.release(op.Kind)
		d.fail(op, journal.StatusDetached, scan.Errorf(scan.CodeActivityDetached, msgDetached))
	}
	if len(drained) > 0 {
		d.logger.Info("drained pending scans", "count", len(drained))
		d.publish(events.ScanDrained, map[string]any{"count": len(drained)})
	}
	return len(drained)
}

// ExpireStale answers operations older than the pending timeout with
// ScanFailed. It is a no-op when the timeout is disabled.
func (d *Dispatcher) ExpireStale() int {
	if d.cfg.PendingTimeout <= 0 {
		return 0
	}
	expired := d.registry.Expire(time.Now().Add(-d.cfg.PendingTimeout))
	for _, op := range expired {
		d.release(op.Kind)
		d.fail(op, journal.StatusExpired, scan.Errorf(scan.CodeScanFailed, msgExpired))
		d.publish(events.ScanExpired, map[string]any{"token": string(op.Token)})
	}
	if len(expired) > 0 {
		d.logger.Warn("expired stale scans", "count", len(expired), "timeout", d.cfg.PendingTimeout)
	}
	return len(expired)
}

// Start runs the expiry sweeper until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.cfg.PendingTimeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = min(d.cfg.PendingTimeout, 5*time.Second)
	}
	d.logger.Info("pending sweeper started", "timeout", d.cfg.PendingTimeout, "interval", interval)
	defer d.logger.Info("pending sweeper stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.ExpireStale()
		}
	}
}

// Wait blocks until every in-progress prepare/launch step has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Pending lists operations awaiting their outcome.
func (d *Dispatcher) Pending() []pending.Summary {
	return d.registry.Snapshot()
}

func (d *Dispatcher) currentEpoch() uint64 {
	d.gate.Lock()
	defer d.gate.Unlock()
	return d.epoch
}

func (d *Dispatcher) tokenFor(kind scan.Kind) scan.Token {
	if d.cfg.Correlation == CorrelationPerKind {
		return kind.RequestCode()
	}
	return d.newToken()
}

// claim reserves kind from submit until resolution.
func (d *Dispatcher) claim(kind scan.Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[kind] || d.registry.HasKind(kind) {
		return false
	}
	d.inflight[kind] = true
	return true
}

func (d *Dispatcher) release(kind scan.Kind) {
	if d.cfg.Correlation != CorrelationPerKind {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, kind)
}

func (d *Dispatcher) reject(method string, resp channel.Responder, code scan.Code, msg string) {
	log.WithMethod(method).Info("scan rejected", "code", code, "message", msg)
	resp.Error(code, msg)
	d.publish(events.ScanRejected, map[string]any{"method": method, "code": code, "message": msg})
}

func (d *Dispatcher) fail(op *pending.Operation, status journal.Status, e *scan.Error) {
	op.Responder.Error(e.Code, e.Message)
	d.complete(op.Token, journal.Completion{Status: status, ErrorCode: e.Code, ErrorMsg: e.Message})
	if status == journal.StatusFailed {
		d.publish(events.ScanResolved, map[string]any{"token": string(op.Token), "status": status, "code": e.Code})
	}
	log.WithToken(string(op.Token)).Info("scan failed", "code", e.Code, "message", e.Message)
}

func (d *Dispatcher) complete(token scan.Token, c journal.Completion) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Complete(context.Background(), token, c); err != nil && !errors.Is(err, journal.ErrEntryNotFound) {
		d.logger.Error("failed to journal completion", "token", string(token), "error", err)
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}
