package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/dispatch/mocks"
	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pending"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
	"github.com/mattjoyce/docbridge/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type harness struct {
	d        *Dispatcher
	registry *pending.Registry
	machine  *lifecycle.Machine
	engine   *mocks.MockEngine
	launcher *mocks.MockLauncher
	hub      *events.Hub

	mu       sync.Mutex
	launched []scan.Token
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	h := &harness{
		registry: pending.NewRegistry(),
		machine:  lifecycle.New(),
		engine:   mocks.NewMockEngine(ctrl),
		launcher: mocks.NewMockLauncher(ctrl),
		hub:      events.NewHub(64),
	}
	h.d = New(cfg, h.registry, h.machine, h.engine, h.launcher, nil, h.hub)
	return h
}

func (h *harness) attach(t *testing.T) {
	t.Helper()
	_, err := h.machine.Attach("act-1")
	require.NoError(t, err)
}

// expectScan makes the engine and launcher succeed n times, recording tokens.
func (h *harness) expectScan(n int) {
	h.engine.EXPECT().Prepare(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, opts scan.Options) (engine.Action, error) {
			return engine.Action{ID: "action", Options: opts}, nil
		}).Times(n)
	h.launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, token scan.Token, _ engine.Action) error {
			h.mu.Lock()
			h.launched = append(h.launched, token)
			h.mu.Unlock()
			return nil
		}).Times(n)
}

func (h *harness) submit(method string, args map[string]any) *channel.Future {
	f := channel.NewFuture(method)
	h.d.Submit(context.Background(), &protocol.Call{ID: method, Method: method, Args: args}, f)
	h.d.Wait()
	return f
}

func (h *harness) lastToken(t *testing.T) scan.Token {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.launched)
	return h.launched[len(h.launched)-1]
}

func requireReply(t *testing.T, f *channel.Future) protocol.Reply {
	t.Helper()
	reply, ok := f.Reply()
	require.True(t, ok, "expected a reply")
	return reply
}

func requireErrorCode(t *testing.T, f *channel.Future, code scan.Code) {
	t.Helper()
	reply := requireReply(t, f)
	require.Equal(t, protocol.StatusError, reply.Status)
	require.NotNil(t, reply.Error)
	assert.Equal(t, string(code), reply.Error.Code)
}

func TestSubmitUnknownMethod(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)

	f := h.submit("getSomethingElse", nil)
	assert.Equal(t, protocol.StatusNotImplemented, requireReply(t, f).Status)
}

func TestSubmitWithoutContext(t *testing.T) {
	h := newHarness(t, Config{})

	f := h.submit(scan.MethodScanAsPdf, nil)
	requireErrorCode(t, f, scan.CodeActivityNotAvailable)
	assert.Equal(t, 0, h.registry.Len())
}

func TestSubmitDuringTransientDetach(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	_, err := h.machine.DetachForConfigChange()
	require.NoError(t, err)

	f := h.submit(scan.MethodScanAsImages, nil)
	requireErrorCode(t, f, scan.CodeActivityNotAvailable)
}

func TestGenericScanWithClampedPage(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)

	h.engine.EXPECT().Prepare(gomock.Any(), scan.NewOptions(1)).Return(engine.Action{ID: "a1"}, nil)
	h.launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), engine.Action{ID: "a1"}).
		DoAndReturn(func(_ context.Context, token scan.Token, _ engine.Action) error {
			h.launched = append(h.launched, token)
			return nil
		})

	f := h.submit(scan.MethodScanDocuments, map[string]any{"page": 0})
	_, ok := f.Reply()
	require.False(t, ok, "reply must wait for the outcome")
	assert.Equal(t, 1, h.registry.Len())

	require.True(t, h.d.Resolve(h.lastToken(t), scan.PdfOutcome("content://x", 3)))

	reply := requireReply(t, f)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, &scan.PdfResult{PdfURI: "content://x", PageCount: 3}, reply.Result)
	assert.Equal(t, 0, h.registry.Len())
}

func TestDefaultPageLimit(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)

	h.engine.EXPECT().Prepare(gomock.Any(), scan.NewOptions(4)).Return(engine.Action{}, nil)
	h.launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	h.submit(scan.MethodScanAsPdf, map[string]any{"page": "lots"})
	snap := h.d.Pending()
	require.Len(t, snap, 1)
	assert.Equal(t, 4, snap[0].PageLimit)
}

func TestImagesCancelledIsNullSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsImages, nil)
	require.True(t, h.d.Resolve(h.lastToken(t), scan.CancelledOutcome()))

	reply := requireReply(t, f)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Nil(t, reply.Result)
}

func TestImagesEmptyIsScanFailed(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsImages, nil)
	require.True(t, h.d.Resolve(h.lastToken(t), scan.ImagesOutcome()))

	requireErrorCode(t, f, scan.CodeScanFailed)
}

func TestImageURIsSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanDocumentURIs, nil)
	require.True(t, h.d.Resolve(h.lastToken(t), scan.ImagesOutcome("content://p1", "content://p2")))

	reply := requireReply(t, f)
	assert.Equal(t, &scan.ImagesResult{URIs: []string{"content://p1", "content://p2"}, Count: 2}, reply.Result)
}

func TestPrepareFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.engine.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(engine.Action{}, errors.New("incompatible device"))

	f := h.submit(scan.MethodScanAsPdf, nil)
	requireErrorCode(t, f, scan.CodeScanFailed)
	reply := requireReply(t, f)
	assert.Contains(t, reply.Error.Message, "incompatible device")
	assert.Equal(t, 0, h.registry.Len())
}

func TestLaunchFailureDeregisters(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.engine.EXPECT().Prepare(gomock.Any(), gomock.Any()).Return(engine.Action{ID: "a"}, nil)
	h.launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("launcher gone"))

	f := h.submit(scan.MethodScanAsPdf, nil)
	requireErrorCode(t, f, scan.CodeScanFailed)
	assert.Equal(t, 0, h.registry.Len())
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsPdf, nil)
	token := h.lastToken(t)

	assert.True(t, h.d.Resolve(token, scan.PdfOutcome("content://first", 1)))
	assert.False(t, h.d.Resolve(token, scan.PdfOutcome("content://second", 2)))

	reply := requireReply(t, f)
	assert.Equal(t, "content://first", reply.Result.(*scan.PdfResult).PdfURI)
}

func TestUnknownTokenLeavesRegistryAlone(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsPdf, nil)
	assert.False(t, h.d.Resolve("not-a-token", scan.CancelledOutcome()))
	assert.False(t, h.d.Fail("not-a-token", errors.New("bad")))

	assert.Equal(t, 1, h.registry.Len())
	_, ok := f.Reply()
	assert.False(t, ok)
}

func TestSurvivesRotation(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsPdf, nil)
	token := h.lastToken(t)

	_, err := h.machine.DetachForConfigChange()
	require.NoError(t, err)
	_, err = h.machine.Reattach("act-2")
	require.NoError(t, err)

	require.True(t, h.d.Resolve(token, scan.PdfOutcome("content://after", 2)))
	assert.Equal(t, protocol.StatusOK, requireReply(t, f).Status)
}

func TestDrainAll(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(3)

	futures := []*channel.Future{
		h.submit(scan.MethodScanAsPdf, nil),
		h.submit(scan.MethodScanAsImages, nil),
		h.submit(scan.MethodScanDocuments, nil),
	}
	require.Equal(t, 3, h.registry.Len())

	assert.Equal(t, 3, h.d.DrainAll())
	assert.Equal(t, 0, h.registry.Len())
	for _, f := range futures {
		requireErrorCode(t, f, scan.CodeActivityDetached)
	}
	assert.Equal(t, 0, h.d.DrainAll())
}

func TestPrepareFinishingAfterDrainIsDetached(t *testing.T) {
	h := newHarness(t, Config{Correlation: CorrelationPerKind})
	h.attach(t)

	release := make(chan struct{})
	h.engine.EXPECT().Prepare(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, scan.Options) (engine.Action, error) {
			<-release
			return engine.Action{ID: "late"}, nil
		})
	// No Launch expectation: launching would fail the test.

	f := channel.NewFuture("late")
	h.d.Submit(context.Background(), &protocol.Call{Method: scan.MethodScanAsPdf}, f)

	_, err := h.machine.Destroy()
	require.NoError(t, err)
	assert.Equal(t, 0, h.d.DrainAll())

	close(release)
	h.d.Wait()

	requireErrorCode(t, f, scan.CodeActivityDetached)
	assert.Equal(t, 0, h.registry.Len())

	// The kind is free for the next context.
	_, err = h.machine.Attach("act-2")
	require.NoError(t, err)
	h.expectScan(1)
	next := h.submit(scan.MethodScanAsPdf, nil)
	_, ok := next.Reply()
	assert.False(t, ok)
	assert.True(t, h.registry.Has("216612"))
}

func TestPerKindRejectsSecondRequest(t *testing.T) {
	h := newHarness(t, Config{Correlation: CorrelationPerKind})
	h.attach(t)
	h.expectScan(1)

	first := h.submit(scan.MethodScanAsPdf, nil)
	assert.Equal(t, scan.Token("216612"), h.lastToken(t))

	second := h.submit(scan.MethodScanAsPdf, nil)
	requireErrorCode(t, second, scan.CodeInProgress)

	_, ok := first.Reply()
	assert.False(t, ok, "first request must be unaffected")
	require.True(t, h.d.Resolve("216612", scan.PdfOutcome("content://x", 1)))
	assert.Equal(t, protocol.StatusOK, requireReply(t, first).Status)
}

func TestPerKindReleasesAfterResolution(t *testing.T) {
	h := newHarness(t, Config{Correlation: CorrelationPerKind})
	h.attach(t)
	h.expectScan(2)

	h.submit(scan.MethodScanAsImages, nil)
	require.True(t, h.d.Resolve("215512", scan.CancelledOutcome()))

	f := h.submit(scan.MethodScanAsImages, nil)
	_, ok := f.Reply()
	assert.False(t, ok, "kind should be free again")
	assert.True(t, h.registry.Has("215512"))
}

func TestPerKindGuardsPrepareWindow(t *testing.T) {
	h := newHarness(t, Config{Correlation: CorrelationPerKind})
	h.attach(t)

	release := make(chan struct{})
	h.engine.EXPECT().Prepare(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, scan.Options) (engine.Action, error) {
			<-release
			return engine.Action{}, nil
		})
	h.launcher.EXPECT().Launch(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	first := channel.NewFuture("first")
	h.d.Submit(context.Background(), &protocol.Call{Method: scan.MethodScanDocuments}, first)

	second := channel.NewFuture("second")
	h.d.Submit(context.Background(), &protocol.Call{Method: scan.MethodScanDocuments}, second)
	requireErrorCode(t, second, scan.CodeInProgress)

	close(release)
	h.d.Wait()
	assert.True(t, h.registry.Has("213312"))
}

func TestPerKindDifferentKindsRunTogether(t *testing.T) {
	h := newHarness(t, Config{Correlation: CorrelationPerKind})
	h.attach(t)
	h.expectScan(2)

	h.submit(scan.MethodScanAsPdf, nil)
	h.submit(scan.MethodScanDocumentURIs, nil)
	assert.Equal(t, 2, h.registry.Len())
	assert.True(t, h.registry.Has("214412"))
}

func TestFailIsProcessingError(t *testing.T) {
	h := newHarness(t, Config{})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsPdf, nil)
	require.True(t, h.d.Fail(h.lastToken(t), errors.New("payload truncated")))
	requireErrorCode(t, f, scan.CodeProcessingError)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t, Config{PendingTimeout: time.Millisecond})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsPdf, nil)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, h.d.ExpireStale())
	requireErrorCode(t, f, scan.CodeScanFailed)
	assert.Equal(t, 0, h.registry.Len())
}

func TestExpireDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, 0, h.d.ExpireStale())
}

func TestStartSweeps(t *testing.T) {
	h := newHarness(t, Config{PendingTimeout: time.Millisecond, SweepInterval: 2 * time.Millisecond})
	h.attach(t)
	h.expectScan(1)

	f := h.submit(scan.MethodScanAsImages, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Start(ctx) }()

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not expire the scan")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNotifyDocumentScanned(t *testing.T) {
	h := newHarness(t, Config{NotifyDocumentScanned: true})
	h.attach(t)
	h.expectScan(1)
	ch, cancel := h.hub.Subscribe(events.DocumentScanned)
	defer cancel()

	h.submit(scan.MethodScanDocuments, nil)
	require.True(t, h.d.Resolve(h.lastToken(t), scan.PdfOutcome("content://n", 2)))

	select {
	case ev := <-ch:
		assert.JSONEq(t, `{"pdfUri":"content://n","pageCount":2}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no onDocumentScanned event")
	}
}

func TestJournalTracksLifecycle(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j := journal.New(db)

	h := newHarness(t, Config{})
	h.d = New(Config{}, h.registry, h.machine, h.engine, h.launcher, j, h.hub)
	h.attach(t)
	h.expectScan(2)

	h.submit(scan.MethodScanAsPdf, nil)
	require.True(t, h.d.Resolve(h.lastToken(t), scan.PdfOutcome("content://j", 1)))
	h.submit(scan.MethodScanAsImages, nil)
	h.d.DrainAll()

	counts, err := j.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[journal.StatusSucceeded])
	assert.Equal(t, 1, counts[journal.StatusDetached])
}
