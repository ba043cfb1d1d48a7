package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/scan"
)

const maxCallBody = 64 * 1024

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Lifecycle:     s.bridge.State().String(),
		ContextID:     s.bridge.ContextID(),
		PendingScans:  len(s.bridge.Pending()),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCall handles POST /v1/call/{method}. The request is held open until
// the scan resolves, the wait bound elapses or the client disconnects.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxCallBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	args, err := protocol.DecodeArgs(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	select {
	case s.callSemaphore <- struct{}{}:
		defer func() { <-s.callSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent calls")
		return
	}

	call := &protocol.Call{ID: middleware.GetReqID(r.Context()), Method: method, Args: args}
	future := channel.NewFuture(call.ID)
	s.bridge.Calls().HandleCall(r.Context(), call, future)

	ctx := r.Context()
	if s.config.MaxCallWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.MaxCallWait)
		defer cancel()
	}

	reply, err := future.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("call wait elapsed before scan resolved", "method", method, "call_id", call.ID)
			s.writeError(w, http.StatusGatewayTimeout, "scan still in progress")
		}
		// Client went away; nothing to write.
		return
	}
	s.writeReply(w, reply)
}

// handlePending handles GET /v1/pending.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ops := s.bridge.Pending()
	s.writeJSON(w, http.StatusOK, PendingResponse{Count: len(ops), Operations: ops})
}

// handleListScans handles GET /v1/scans?status=&limit=.
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	if s.scans == nil {
		s.writeError(w, http.StatusNotFound, "scan journal disabled")
		return
	}

	opts := journal.ListOptions{Status: journal.Status(r.URL.Query().Get("status"))}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	entries, err := s.scans.List(r.Context(), opts)
	if err != nil {
		s.logger.Error("failed to list scans", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}
	counts, err := s.scans.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count scans", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count scans")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, ScanListResponse{Scans: entries, Counts: counts})
}

// handleGetScan handles GET /v1/scans/{id}.
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if s.scans == nil {
		s.writeError(w, http.StatusNotFound, "scan journal disabled")
		return
	}

	entry, err := s.scans.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrEntryNotFound) {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get scan", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get scan")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// replyStatus maps a reply to the HTTP status it is served with.
func replyStatus(reply protocol.Reply) int {
	switch reply.Status {
	case protocol.StatusOK:
		return http.StatusOK
	case protocol.StatusNotImplemented:
		return http.StatusNotFound
	}
	if reply.Error == nil {
		return http.StatusInternalServerError
	}
	switch scan.Code(reply.Error.Code) {
	case scan.CodeActivityNotAvailable:
		return http.StatusServiceUnavailable
	case scan.CodeInProgress:
		return http.StatusConflict
	case scan.CodeActivityDetached:
		return http.StatusGone
	case scan.CodeScanFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeReply(w http.ResponseWriter, reply protocol.Reply) {
	var buf bytes.Buffer
	if err := protocol.EncodeReply(&buf, &reply); err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode reply")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(replyStatus(reply))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
