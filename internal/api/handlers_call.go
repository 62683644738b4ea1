package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxrelay/voxrelay/internal/mailbox"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/pkg/protocol"
)

// callRequest is the admin endpoint's request body: a server-initiated
// call against a user who has no open /ws/client connection of their own.
// Payload is opaque to the signaling/media path and is not forwarded over
// the wire protocol, which only carries the fields defined in pkg/protocol;
// it exists for the caller's own bookkeeping and is neither used nor logged
// here.
type callRequest struct {
	UserID  string          `json:"user_id"`
	SDP     string          `json:"sdp"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// callResponse mirrors the shape fixed by the external interface this
// endpoint implements: a bare accepted/rejected result, not a full session
// handshake. The answer, once the assigned worker produces one, arrives
// through the ordinary signaling path addressed to user_id; this endpoint
// does not wait for it.
type callResponse struct {
	Success  bool   `json:"success"`
	ServerID string `json:"server_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleCall registers user_id as a client binding (a user_id that is
// already registered is rejected with 409), assigns it the least-loaded
// worker, and forwards the SDP offer. It does
// not wait for an answer.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, callResponse{Error: "malformed request body"})
		return
	}
	if req.UserID == "" || req.SDP == "" {
		writeJSON(w, http.StatusBadRequest, callResponse{Error: "user_id and sdp are required"})
		return
	}

	outbound := mailbox.New[*protocol.Message](registry.DefaultMailboxCapacity)
	if err := s.reg.RegisterClient(req.UserID, outbound); err != nil {
		if errors.Is(err, registry.ErrDuplicateClient) {
			writeJSON(w, http.StatusConflict, callResponse{Error: "call already active for user"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, callResponse{Error: err.Error()})
		return
	}

	serverID, err := s.reg.Assign(req.UserID)
	if err != nil {
		s.reg.RemoveClient(req.UserID)
		if errors.Is(err, registry.ErrNoWorkerAvailable) {
			writeJSON(w, http.StatusServiceUnavailable, callResponse{Error: "no worker available"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, callResponse{Error: err.Error()})
		return
	}

	offer, err := protocol.New(protocol.TypeOffer, req.UserID, serverID, protocol.SDPPayload{SDP: req.SDP})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, callResponse{Error: err.Error()})
		return
	}
	if err := s.reg.ForwardToWorker(serverID, offer); err != nil {
		writeJSON(w, http.StatusInternalServerError, callResponse{Error: err.Error()})
		return
	}

	s.logger.Info().Str("user_id", req.UserID).Str("server_id", serverID).Msg("server-initiated call forwarded to worker")
	writeJSON(w, http.StatusOK, callResponse{Success: true, ServerID: serverID})
}
