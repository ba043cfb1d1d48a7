package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/olahol/melody"

	"github.com/mattjoyce/docbridge/internal/channel"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/protocol"
)

// codeInvalidCall is returned for channel messages that are not a call.
const codeInvalidCall = "InvalidCall"

// handleChannel upgrades GET /v1/channel to the websocket method channel.
// Each text message is a protocol.Call; replies are written back on the
// same connection as they resolve, and onDocumentScanned notifications are
// broadcast to every connection.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.HandleRequest(w, r); err != nil {
		s.logger.Error("handling channel request", "error", err)
	}
}

func (s *Server) setupChannel() {
	s.channel.Upgrader.CheckOrigin = func(r *http.Request) bool { return true }

	s.channel.HandleMessage(func(sess *melody.Session, msg []byte) {
		// ping command for heartbeat operation
		if bytes.Equal(msg, []byte("ping")) {
			if err := sess.Write([]byte("pong")); err != nil {
				s.logger.Error("sending pong", "error", err)
			}
			return
		}

		call, err := protocol.DecodeCall(bytes.NewReader(msg))
		if err != nil {
			s.writeSession(sess, protocol.Reply{
				Status: protocol.StatusError,
				Error:  &protocol.ErrorBody{Code: codeInvalidCall, Message: err.Error()},
			})
			return
		}

		resp := channel.NewPush(call.ID, func(reply protocol.Reply) {
			if sess.IsClosed() {
				s.logger.Warn("channel closed before reply", "call_id", reply.ID, "status", reply.Status)
				return
			}
			s.writeSession(sess, reply)
		})
		s.bridge.Calls().HandleCall(sess.Request.Context(), call, resp)
	})
}

func (s *Server) writeSession(sess *melody.Session, reply protocol.Reply) {
	var buf bytes.Buffer
	if err := protocol.EncodeReply(&buf, &reply); err != nil {
		s.logger.Error("encoding channel reply", "error", err)
		return
	}
	if err := sess.Write(bytes.TrimSpace(buf.Bytes())); err != nil {
		s.logger.Error("writing channel reply", "error", err)
	}
}

// forwardNotifications broadcasts onDocumentScanned events to every
// channel connection until ctx is cancelled.
func (s *Server) forwardNotifications(ctx context.Context) {
	ch, cancel := s.events.Subscribe(events.DocumentScanned)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(protocol.Notification{Method: ev.Type, Params: ev.Data})
			if err != nil {
				s.logger.Error("marshalling notification", "error", err)
				continue
			}
			if err := s.channel.Broadcast(data); err != nil {
				s.logger.Error("broadcasting notification", "error", err)
			}
		}
	}
}
