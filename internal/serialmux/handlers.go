package serialmux

import (
	"context"
	"fmt"
	"time"

	"github.com/openarm/armlink/internal/arm"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/timeutil"
)

// Packet directions as recorded by a PacketRecorder.
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)

// PacketRecorder persists link traffic. *db.DB implements it.
type PacketRecorder interface {
	RecordPacket(direction string, p protocol.Packet, at time.Time) error
}

// HandlePacket applies one inbound packet: TELEMETRY updates the reported
// arm state, ACK and unknown commands are logged. rec may be nil.
func HandlePacket(rec PacketRecorder, state *arm.State, p protocol.Packet, at time.Time) error {
	switch p.Command {
	case protocol.CmdTelemetry:
		angles, err := protocol.DecodeJointAngles(p)
		if err != nil {
			return fmt.Errorf("failed to decode telemetry: %w", err)
		}
		if state != nil {
			state.Report(angles, at)
		}
		monitoring.Tracef("telemetry: %v", angles)
	case protocol.CmdAck:
		monitoring.Tracef("ack: % x", p.Payload)
	default:
		monitoring.Diagf("unhandled packet %s (%d byte payload)", p.Command, len(p.Payload))
	}

	if rec != nil {
		if err := rec.RecordPacket(DirectionRx, p, at); err != nil {
			return fmt.Errorf("failed to record packet: %w", err)
		}
	}
	return nil
}

// ConsumePackets subscribes to mux and handles packets until ctx is
// cancelled or the subscription closes.
func ConsumePackets(ctx context.Context, mux SerialMuxInterface, rec PacketRecorder, state *arm.State, clock timeutil.Clock) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, c := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-c:
			if !ok {
				return
			}
			if err := HandlePacket(rec, state, p, clock.Now()); err != nil {
				monitoring.Opsf("error handling packet: %v", err)
			}
		}
	}
}
