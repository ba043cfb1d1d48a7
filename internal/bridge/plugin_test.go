package bridge

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/dispatch"
	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/host"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pending"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type stack struct {
	remote     *host.Remote
	plugin     *Plugin
	dispatcher *dispatch.Dispatcher
	registry   *pending.Registry
	hub        *events.Hub
	launches   <-chan host.LaunchRequest
}

func newStack(t *testing.T, cfg dispatch.Config) *stack {
	t.Helper()

	registry := pending.NewRegistry()
	machine := lifecycle.New()
	remote := host.NewRemote()
	hub := events.NewHub(64)
	eng := engine.NewDescriptor(engine.Settings{Available: true})
	d := dispatch.New(cfg, registry, machine, eng, remote, nil, hub)
	p := New(machine, d, remote, hub)
	remote.Bind(p.Lifecycle())

	return &stack{remote: remote, plugin: p, dispatcher: d, registry: registry, hub: hub}
}

func (s *stack) attach(t *testing.T, contextID string) {
	t.Helper()
	require.NoError(t, s.remote.Attach(contextID))
	s.link(t, contextID)
}

func (s *stack) link(t *testing.T, contextID string) {
	t.Helper()
	ch, cancel := s.remote.OpenLink(contextID)
	t.Cleanup(cancel)
	s.launches = ch
}

func (s *stack) call(method string, args map[string]any) *channel.Future {
	f := channel.NewFuture(method)
	s.plugin.Calls().HandleCall(context.Background(), &protocol.Call{ID: method, Method: method, Args: args}, f)
	s.dispatcher.Wait()
	return f
}

func (s *stack) launched(t *testing.T) host.LaunchRequest {
	t.Helper()
	select {
	case req := <-s.launches:
		return req
	case <-time.After(time.Second):
		t.Fatal("no launch request")
		return host.LaunchRequest{}
	}
}

func reply(t *testing.T, f *channel.Future) protocol.Reply {
	t.Helper()
	r, ok := f.Reply()
	require.True(t, ok, "expected reply")
	return r
}

func errorCode(t *testing.T, f *channel.Future) string {
	t.Helper()
	r := reply(t, f)
	require.Equal(t, protocol.StatusError, r.Status)
	require.NotNil(t, r.Error)
	return r.Error.Code
}

func TestNoContextRejectsImmediately(t *testing.T) {
	s := newStack(t, dispatch.Config{})

	f := s.call(scan.MethodScanAsPdf, nil)
	assert.Equal(t, "ActivityNotAvailable", errorCode(t, f))
	assert.Equal(t, 0, s.registry.Len())
}

func TestGenericScanPageZero(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanDocuments, map[string]any{"page": 0})
	req := s.launched(t)
	assert.Equal(t, 1, req.Action.Options.PageLimit)
	assert.Equal(t, "act-1", req.ContextID)

	assert.Equal(t, host.DeliveryHandled, s.remote.Deliver(req.Token, scan.PdfOutcome("content://x", 3)))
	r := reply(t, f)
	assert.Equal(t, protocol.StatusOK, r.Status)
	assert.Equal(t, &scan.PdfResult{PdfURI: "content://x", PageCount: 3}, r.Result)
}

func TestImagesCancelled(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsImages, nil)
	s.remote.Deliver(s.launched(t).Token, scan.CancelledOutcome())

	r := reply(t, f)
	assert.Equal(t, protocol.StatusOK, r.Status)
	assert.Nil(t, r.Result)
}

func TestImagesEmpty(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsImages, nil)
	s.remote.Deliver(s.launched(t).Token, scan.ImagesOutcome())

	assert.Equal(t, "ScanFailed", errorCode(t, f))
}

func TestNoLossOnRotation(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsPdf, nil)
	token := s.launched(t).Token

	require.NoError(t, s.remote.DetachForConfigChanges())
	assert.Equal(t, lifecycle.TransientlyDetached, s.plugin.State())
	assert.Equal(t, 1, s.registry.Len(), "rotation must not drain")

	require.NoError(t, s.remote.Reattach("act-2"))
	assert.Equal(t, host.DeliveryHandled, s.remote.Deliver(token, scan.PdfOutcome("content://r", 2)))
	assert.Equal(t, protocol.StatusOK, reply(t, f).Status)
}

func TestResultDuringRotationIsHeld(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanDocumentURIs, nil)
	token := s.launched(t).Token

	require.NoError(t, s.remote.DetachForConfigChanges())
	assert.Equal(t, host.DeliveryHeld, s.remote.Deliver(token, scan.ImagesOutcome("content://a")))
	_, ok := f.Reply()
	require.False(t, ok)

	require.NoError(t, s.remote.Reattach("act-2"))
	r := reply(t, f)
	assert.Equal(t, &scan.ImagesResult{URIs: []string{"content://a"}, Count: 1}, r.Result)
}

func TestDrainOnDestroy(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	a := s.call(scan.MethodScanAsPdf, nil)
	b := s.call(scan.MethodScanAsImages, nil)
	require.Equal(t, 2, s.registry.Len())

	require.NoError(t, s.remote.Detach())
	assert.Equal(t, lifecycle.PermanentlyDetached, s.plugin.State())
	assert.Equal(t, "ActivityDetached", errorCode(t, a))
	assert.Equal(t, "ActivityDetached", errorCode(t, b))
	assert.Equal(t, 0, s.registry.Len())

	after := s.call(scan.MethodScanAsPdf, nil)
	assert.Equal(t, "ActivityNotAvailable", errorCode(t, after))
}

// hookedObserver runs after once the wrapped observer handled OnDetached,
// while the container is still inside Detach.
type hookedObserver struct {
	host.LifecycleObserver
	after func()
}

func (o hookedObserver) OnDetached() error {
	err := o.LifecycleObserver.OnDetached()
	o.after()
	return err
}

func TestPrepareCompletingDuringDestroy(t *testing.T) {
	registry := pending.NewRegistry()
	machine := lifecycle.New()
	remote := host.NewRemote()
	release := make(chan struct{})
	eng := engine.Func(func(_ context.Context, opts scan.Options) (engine.Action, error) {
		<-release
		return engine.Action{ID: "slow", Options: opts}, nil
	})
	d := dispatch.New(dispatch.Config{}, registry, machine, eng, remote, nil, nil)
	p := New(machine, d, remote, nil)
	remote.Bind(hookedObserver{
		LifecycleObserver: p.Lifecycle(),
		after: func() {
			close(release)
			d.Wait()
		},
	})

	require.NoError(t, remote.Attach("act-1"))
	_, cancel := remote.OpenLink("act-1")
	defer cancel()

	f := channel.NewFuture("slow")
	p.Calls().HandleCall(context.Background(), &protocol.Call{Method: scan.MethodScanAsPdf}, f)

	require.NoError(t, remote.Detach())
	assert.Equal(t, lifecycle.PermanentlyDetached, p.State())
	assert.Equal(t, 0, registry.Len())
	assert.Equal(t, "ActivityDetached", errorCode(t, f))
}

func TestDestroyDuringRotation(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsPdf, nil)
	require.NoError(t, s.remote.DetachForConfigChanges())
	require.NoError(t, s.remote.Detach())

	assert.Equal(t, "ActivityDetached", errorCode(t, f))
}

func TestFreshAttachAfterDestroy(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")
	require.NoError(t, s.remote.Detach())

	s.attach(t, "act-9")
	f := s.call(scan.MethodScanAsPdf, nil)
	s.remote.Deliver(s.launched(t).Token, scan.PdfOutcome("content://new", 1))
	assert.Equal(t, protocol.StatusOK, reply(t, f).Status)
}

func TestDuplicateHostDelivery(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsPdf, nil)
	token := s.launched(t).Token

	assert.Equal(t, host.DeliveryHandled, s.remote.Deliver(token, scan.PdfOutcome("content://1", 1)))
	assert.Equal(t, host.DeliveryUnmatched, s.remote.Deliver(token, scan.PdfOutcome("content://2", 1)))
	assert.Equal(t, "content://1", reply(t, f).Result.(*scan.PdfResult).PdfURI)
}

func TestPerKindConcurrency(t *testing.T) {
	s := newStack(t, dispatch.Config{Correlation: dispatch.CorrelationPerKind})
	s.attach(t, "act-1")

	first := s.call(scan.MethodScanAsImages, nil)
	req := s.launched(t)
	assert.Equal(t, scan.Token("215512"), req.Token)

	second := s.call(scan.MethodScanAsImages, nil)
	assert.Equal(t, "OperationAlreadyInProgress", errorCode(t, second))

	_, ok := first.Reply()
	require.False(t, ok)
	s.remote.Deliver(req.Token, scan.ImagesOutcome("content://p"))
	assert.Equal(t, protocol.StatusOK, reply(t, first).Status)
}

func TestMalformedResult(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	s.attach(t, "act-1")

	f := s.call(scan.MethodScanAsPdf, nil)
	s.remote.DeliverMalformed(s.launched(t).Token, errors.New("unexpected end of JSON input"))

	assert.Equal(t, "ScanProcessingError", errorCode(t, f))
}

func TestLaunchWithoutLinkFails(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	require.NoError(t, s.remote.Attach("act-1"))

	f := s.call(scan.MethodScanAsPdf, nil)
	assert.Equal(t, "ScanFailed", errorCode(t, f))
	assert.Equal(t, 0, s.registry.Len())
}

func TestInvalidLifecycleReport(t *testing.T) {
	s := newStack(t, dispatch.Config{})

	err := s.remote.Reattach("act-1")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	_, ok := s.remote.Current()
	assert.False(t, ok)
}

func TestLifecycleEventsPublished(t *testing.T) {
	s := newStack(t, dispatch.Config{})
	ch, cancel := s.hub.Subscribe(events.LifecycleChanged)
	defer cancel()

	s.attach(t, "act-1")

	select {
	case ev := <-ch:
		assert.Contains(t, string(ev.Data), `"to":"attached"`)
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event")
	}
	assert.Equal(t, "act-1", s.plugin.ContextID())
}
