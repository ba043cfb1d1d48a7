package tui

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/docbridge/internal/events"
)

const maxTrackedScans = 200

// ScanRow is one scan as seen through the event stream.
type ScanRow struct {
	Token   string
	Method  string
	Status  string
	Code    string
	Started time.Time
	Ended   time.Time
}

// Duration is how long the scan has been or was in flight.
func (r ScanRow) Duration(now time.Time) time.Duration {
	end := r.Ended
	if end.IsZero() {
		end = now
	}
	return end.Sub(r.Started)
}

// ScanBoard folds scan events into per-token rows.
type ScanBoard struct {
	rows      map[string]*ScanRow
	lifecycle string
	contextID string
	rejected  int
}

func NewScanBoard() *ScanBoard {
	return &ScanBoard{rows: make(map[string]*ScanRow)}
}

type scanEventData struct {
	Token   string `json:"token"`
	Method  string `json:"method"`
	Status  string `json:"status"`
	Code    string `json:"code"`
	To      string `json:"to"`
	Context string `json:"context_id"`
}

// Apply updates the board from one event. Unknown types are ignored.
func (b *ScanBoard) Apply(e events.Event) {
	var data scanEventData
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.ScanSubmitted:
		if data.Token == "" {
			return
		}
		b.rows[data.Token] = &ScanRow{Token: data.Token, Method: data.Method, Status: "preparing", Started: e.At}
		b.trim()
	case events.ScanRegistered:
		if row, ok := b.rows[data.Token]; ok {
			row.Status = "registered"
		}
	case events.HostLaunch:
		if row, ok := b.rows[data.Token]; ok {
			row.Status = "scanning"
		}
	case events.ScanResolved, events.ScanExpired:
		row, ok := b.rows[data.Token]
		if !ok {
			return
		}
		row.Status = data.Status
		if e.Type == events.ScanExpired {
			row.Status = "expired"
		}
		row.Code = data.Code
		row.Ended = e.At
	case events.ScanDrained:
		for _, row := range b.rows {
			if row.Ended.IsZero() {
				row.Status = "detached"
				row.Ended = e.At
			}
		}
	case events.ScanRejected:
		b.rejected++
	case events.LifecycleChanged:
		b.lifecycle = data.To
		b.contextID = data.Context
	}
}

// Rows returns the tracked scans, newest first.
func (b *ScanBoard) Rows() []ScanRow {
	out := make([]ScanRow, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out
}

// InFlight counts scans with no outcome yet.
func (b *ScanBoard) InFlight() int {
	n := 0
	for _, r := range b.rows {
		if r.Ended.IsZero() {
			n++
		}
	}
	return n
}

func (b *ScanBoard) trim() {
	if len(b.rows) <= maxTrackedScans {
		return
	}
	rows := b.Rows()
	for _, r := range rows[maxTrackedScans:] {
		if !r.Ended.IsZero() {
			delete(b.rows, r.Token)
		}
	}
}
