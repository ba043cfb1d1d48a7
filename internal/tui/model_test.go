package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/events"
)

func event(t *testing.T, typ string, at time.Time, data map[string]any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{Type: typ, At: at, Data: b}
}

func TestScanBoardTracksScanThroughResolution(t *testing.T) {
	b := NewScanBoard()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	b.Apply(event(t, events.ScanSubmitted, start, map[string]any{"token": "tok-1", "method": "getScanDocuments"}))
	b.Apply(event(t, events.ScanRegistered, start, map[string]any{"token": "tok-1"}))
	b.Apply(event(t, events.HostLaunch, start, map[string]any{"token": "tok-1"}))
	assert.Equal(t, 1, b.InFlight())
	assert.Equal(t, "scanning", b.Rows()[0].Status)

	b.Apply(event(t, events.ScanResolved, start.Add(3*time.Second), map[string]any{"token": "tok-1", "status": "succeeded"}))
	rows := b.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "succeeded", rows[0].Status)
	assert.Equal(t, 3*time.Second, rows[0].Duration(time.Now()))
	assert.Equal(t, 0, b.InFlight())
}

func TestScanBoardDrainMarksInFlightDetached(t *testing.T) {
	b := NewScanBoard()
	at := time.Now()

	b.Apply(event(t, events.ScanSubmitted, at, map[string]any{"token": "a"}))
	b.Apply(event(t, events.ScanSubmitted, at.Add(time.Millisecond), map[string]any{"token": "b"}))
	b.Apply(event(t, events.ScanResolved, at, map[string]any{"token": "a", "status": "cancelled"}))
	b.Apply(event(t, events.ScanDrained, at, map[string]any{"count": 1}))

	rows := b.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Token)
	assert.Equal(t, "detached", rows[0].Status)
	assert.Equal(t, "cancelled", rows[1].Status)
}

func TestScanBoardExpiryAndLifecycle(t *testing.T) {
	b := NewScanBoard()
	at := time.Now()

	b.Apply(event(t, events.ScanSubmitted, at, map[string]any{"token": "a"}))
	b.Apply(event(t, events.ScanExpired, at, map[string]any{"token": "a"}))
	b.Apply(event(t, events.LifecycleChanged, at, map[string]any{"to": "attached", "context_id": "ctx-1"}))
	b.Apply(event(t, events.ScanRejected, at, map[string]any{"code": "ActivityNotAvailable"}))

	assert.Equal(t, "expired", b.Rows()[0].Status)
	assert.Equal(t, "attached", b.lifecycle)
	assert.Equal(t, "ctx-1", b.contextID)
	assert.Equal(t, 1, b.rejected)
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: scan.submitted",
		`data: {"token":"tok-1"}`,
		"",
		"id: 8",
		"event: lifecycle.changed",
		`data: {"to":"attached"}`,
		"",
	}, "\n")

	var got []events.Event
	readSSE(strings.NewReader(stream), func(ev events.Event) { got = append(got, ev) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.ScanSubmitted, got[0].Type)
	assert.JSONEq(t, `{"token":"tok-1"}`, string(got[0].Data))
	assert.Equal(t, events.LifecycleChanged, got[1].Type)
}

func TestModelUpdate(t *testing.T) {
	m := New("http://127.0.0.1:8470/", "key")
	assert.Equal(t, "http://127.0.0.1:8470", m.apiURL)

	var model tea.Model = *m
	model, _ = model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	model, _ = model.Update(healthMsg{Status: "ok", Lifecycle: "attached", ContextID: "ctx-1", PendingScans: 1})
	model, _ = model.Update(eventMsg(event(t, events.ScanSubmitted, time.Now(), map[string]any{"token": "tok-123456789", "method": "getScanDocuments"})))

	view := model.View()
	assert.Contains(t, view, "HEALTHY")
	assert.Contains(t, view, "ctx-1")
	assert.Contains(t, view, "getScanDocuments")
	assert.Contains(t, view, "tok-1234")

	model, _ = model.Update(sseDisconnectedMsg{})
	assert.Contains(t, model.View(), "CONNECTING")

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
