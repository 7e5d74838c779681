package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openarm/armlink/internal/arm"
	"github.com/openarm/armlink/internal/db"
	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/serialmux"
)

type jointsRequest struct {
	Angles *protocol.JointAngles `json:"angles"`
}

type jointsResponse struct {
	Requested protocol.JointAngles `json:"requested"`
	Sent      protocol.JointAngles `json:"sent"`
	Clamped   bool                 `json:"clamped"`
}

type jointsState struct {
	arm.Snapshot
	Limits arm.Limits `json:"limits"`
	Names  [3]string  `json:"names"`
}

func (s *Server) handleJoints(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, http.StatusOK, jointsState{
			Snapshot: s.state.Snapshot(),
			Limits:   s.state.Limits(),
			Names:    arm.JointNames,
		})
	case http.MethodPost:
		s.commandJoints(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) commandJoints(w http.ResponseWriter, r *http.Request) {
	var req jointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Angles == nil {
		httputil.BadRequest(w, "missing angles")
		return
	}

	now := s.clock.Now()
	requested := *req.Angles
	sent := s.state.Limits().Clamp(requested)
	clamped := sent != requested

	frame := protocol.EncodeJointAngles(sent)
	if err := s.link.SendFrame(frame); err != nil {
		writeFault(w, err)
		return
	}
	s.state.Command(sent, now)

	if s.store != nil {
		if err := s.store.RecordCommand(sent, clamped, now); err != nil {
			monitoring.Opsf("failed to record command: %v", err)
		}
		if p, err := protocol.Decode(frame); err == nil {
			if err := s.store.RecordPacket(serialmux.DirectionTx, p, now); err != nil {
				monitoring.Opsf("failed to record tx packet: %v", err)
			}
		}
	}

	httputil.WriteJSON(w, http.StatusAccepted, jointsResponse{
		Requested: requested,
		Sent:      sent,
		Clamped:   clamped,
	})
}

type telemetryResponse struct {
	Link      serialmux.LinkStats `json:"link"`
	Snapshot  arm.Snapshot        `json:"state"`
	Packets   []db.PacketRecord   `json:"packets,omitempty"`
	Commands  []db.CommandRecord  `json:"commands,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
}

// handleTelemetry reports link counters, the joint state and, when a store
// is attached, the most recent packets and commands.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	resp := telemetryResponse{
		Link:     s.link.Stats(),
		Snapshot: s.state.Snapshot(),
	}
	if s.store != nil && limit > 0 {
		packets, err := s.store.RecentPackets(limit)
		if err != nil {
			writeFault(w, err)
			return
		}
		commands, err := s.store.RecentCommands(limit)
		if err != nil {
			writeFault(w, err)
			return
		}
		resp.Packets = packets
		resp.Commands = commands
		resp.SessionID = s.store.Session()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
