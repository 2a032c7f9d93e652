package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/seantiz/foreman/internal/model"
	"github.com/seantiz/foreman/internal/orchestrator"
	"github.com/seantiz/foreman/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	channelWriteWait  = 10 * time.Second
	maxInboundMessage = 64 << 10 // 64 KB

	// replyBufferSize bounds command replies queued for the write pump.
	replyBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST layer owns cross-origin policy; tokens gate the channel.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound control message types.
const (
	msgStartExecution  = "start_execution"
	msgPauseExecution  = "pause_execution"
	msgResumeExecution = "resume_execution"
	msgCancelExecution = "cancel_execution"
	msgGetStatus       = "get_status"
	msgPing            = "ping"
)

// inboundEnvelope is the wire format for client-to-server control messages.
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// startExecutionData is the optional payload of a start_execution message.
type startExecutionData struct {
	Descriptor *model.Descriptor `json:"descriptor"`
}

// handleChannel upgrades the request to a WebSocket and runs the control
// channel for one (execution, observer) pair. Authentication, identity
// resolution, and the ownership check all happen before the upgrade: a caller
// that fails any of them gets a plain HTTP error and never completes the
// handshake.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	identity, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	if _, err := s.orch.Get(r.Context(), id, identity.UserID); err != nil {
		s.writeDomainError(w, err, "channel connect")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.logger.Error("websocket upgrade", "execution_id", id, "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	events, unsub := s.orch.Broker().Subscribe(id, connID)
	defer unsub()

	activeChannels.Inc()
	defer activeChannels.Dec()
	s.logger.Info("channel opened", "execution_id", id, "connection_id", connID, "user_id", identity.UserID)
	defer s.logger.Info("channel closed", "execution_id", id, "connection_id", connID)

	// The connected handshake goes out before the write pump starts, so it is
	// always the first frame the client sees.
	conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	if err := conn.WriteJSON(model.NewEvent(model.EventConnected, model.ConnectedData{
		ExecutionID:  id,
		ConnectionID: connID,
	})); err != nil {
		s.logger.Debug("channel handshake write failed", "execution_id", id, "error", err)
		return
	}

	replies := make(chan model.Event, replyBufferSize)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})

	go s.channelWritePump(conn, id, events, replies, readerDone, writerDone)

	// A queued reply is dropped if the write pump has already failed; the
	// connection is on its way down either way.
	send := func(e model.Event) {
		select {
		case replies <- e:
		case <-writerDone:
		}
	}

	// Read loop. Closing the channel never cancels the execution; it only
	// detaches this observer.
	conn.SetReadLimit(maxInboundMessage)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatchChannelMessage(r.Context(), id, identity.UserID, msg, send)
	}

	close(readerDone)
	<-writerDone
}

// channelWritePump is the single writer for one channel connection. It
// multiplexes broker events, command replies, and heartbeats; any write
// failure tears the connection down.
func (s *Server) channelWritePump(conn *websocket.Conn, executionID string, events <-chan model.Event, replies <-chan model.Event, readerDone, writerDone chan struct{}) {
	defer close(writerDone)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	write := func(e model.Event) bool {
		conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("channel write failed", "execution_id", executionID, "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				// Execution finished and its topic closed; keep serving
				// replies until the client goes away.
				events = nil
				continue
			}
			if !write(e) {
				return
			}
		case e := <-replies:
			if !write(e) {
				return
			}
		case <-ticker.C:
			if !write(model.NewEvent(model.EventHeartbeat, nil)) {
				return
			}
		case <-readerDone:
			return
		}
	}
}

// dispatchChannelMessage handles one inbound envelope. Malformed or unknown
// messages produce an error reply; the connection stays open.
func (s *Server) dispatchChannelMessage(ctx context.Context, executionID, ownerID string, msg []byte, send func(model.Event)) {
	sendErr := func(code, message string) {
		send(model.NewEvent(model.EventError, model.ErrorData{Code: code, Message: message}))
	}

	var env inboundEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		sendErr("bad_request", "malformed message")
		return
	}

	switch env.Type {
	case msgStartExecution:
		var data startExecutionData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				sendErr("bad_request", "malformed start_execution data")
				return
			}
		}
		if err := s.orch.Start(ctx, executionID, data.Descriptor); err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		s.sendAck(ctx, model.EventStartAck, executionID, ownerID, send)

	case msgPauseExecution:
		if err := s.orch.Pause(ctx, executionID); err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		s.sendAck(ctx, model.EventPauseAck, executionID, ownerID, send)

	case msgResumeExecution:
		if err := s.orch.Resume(ctx, executionID); err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		s.sendAck(ctx, model.EventResumeAck, executionID, ownerID, send)

	case msgCancelExecution:
		cancelled, err := s.orch.Cancel(ctx, executionID)
		if err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		send(model.NewEvent(model.EventCancelAck, model.CancelAckData{
			ExecutionID: executionID,
			Cancelled:   cancelled,
		}))

	case msgGetStatus:
		e, err := s.orch.Get(ctx, executionID, ownerID)
		if err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		steps, err := s.orch.Steps(ctx, executionID, ownerID)
		if err != nil {
			sendErr(errorCode(err), err.Error())
			return
		}
		send(model.NewEvent(model.EventStatus, model.StatusData{
			Execution: e,
			Steps:     steps,
		}))

	case msgPing:
		send(model.NewEvent(model.EventPong, nil))

	default:
		sendErr("unknown_type", "unknown message type: "+env.Type)
	}
}

// sendAck replies to a successful lifecycle command with a snapshot of the
// execution.
func (s *Server) sendAck(ctx context.Context, t model.EventType, executionID, ownerID string, send func(model.Event)) {
	e, err := s.orch.Get(ctx, executionID, ownerID)
	if err != nil {
		send(model.NewEvent(model.EventError, model.ErrorData{Code: errorCode(err), Message: err.Error()}))
		return
	}
	send(model.NewEvent(t, model.ExecutionEventData{
		ExecutionID:    e.ID,
		Status:         e.Status,
		Progress:       e.Progress,
		CompletedSteps: e.CompletedSteps,
		FailedSteps:    e.FailedSteps,
		TotalSteps:     e.TotalSteps,
		Error:          e.Error,
	}))
}

// errorCode maps domain errors to channel error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, model.ErrInvalidDescriptor):
		return "invalid_descriptor"
	case errors.Is(err, orchestrator.ErrNotTerminal):
		return "not_terminal"
	default:
		return "internal"
	}
}
