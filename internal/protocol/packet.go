// Package protocol implements the framed binary protocol spoken between the
// host and the arm controller.
//
// Wire layout:
//
//	offset  size     field
//	0       2        sync word 0xAA55, big-endian
//	2       1        payload length
//	3       1        command
//	4       length   payload
//	4+len   1        checksum, XOR of command and payload bytes
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	SyncWord         uint16 = 0xAA55
	HeaderSize              = 4
	MinPacketSize           = HeaderSize + 1
	MaxPayloadSize          = 255
	MaxPacketSize           = HeaderSize + MaxPayloadSize + 1
	JointPayloadSize        = 12
	JointFrameSize          = HeaderSize + JointPayloadSize + 1
)

// Command is the opcode byte of a frame.
type Command uint8

const (
	CmdSetJointAngle Command = 0x01
	CmdAck           Command = 0x02
	CmdTelemetry     Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdSetJointAngle:
		return "SET_JOINT_ANGLE"
	case CmdAck:
		return "ACK"
	case CmdTelemetry:
		return "TELEMETRY"
	default:
		return fmt.Sprintf("CMD(0x%02x)", uint8(c))
	}
}

// JointAngles is one target per joint in base, arm1, arm2 order, in radians.
type JointAngles [3]float32

// Packet is one decoded frame.
type Packet struct {
	Sync     uint16
	Length   uint8
	Command  Command
	Payload  []byte
	Checksum byte
}

// Valid reports whether the checksum matches the command and payload.
func (p Packet) Valid() bool {
	sum := byte(p.Command) ^ Calculate(p.Payload)
	return sum == p.Checksum
}

// EncodeJointAngles builds the 17-byte SET_JOINT_ANGLE frame for a. Angles
// are written as-is; clamping to joint limits is the caller's job.
func EncodeJointAngles(a JointAngles) []byte {
	buf := make([]byte, JointFrameSize)
	binary.BigEndian.PutUint16(buf[0:2], SyncWord)
	buf[2] = JointPayloadSize
	buf[3] = byte(CmdSetJointAngle)
	for i, v := range a {
		off := HeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
	}
	buf[JointFrameSize-1] = Calculate(buf[3 : JointFrameSize-1])
	return buf
}

// Encode builds a frame carrying an arbitrary command and payload.
func Encode(cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{Kind: ErrPayloadTooLarge, Len: len(payload)}
	}
	n := HeaderSize + len(payload) + 1
	buf := make([]byte, n)
	binary.BigEndian.PutUint16(buf[0:2], SyncWord)
	buf[2] = byte(len(payload))
	buf[3] = byte(cmd)
	copy(buf[HeaderSize:], payload)
	buf[n-1] = Calculate(buf[3 : n-1])
	return buf, nil
}

// Decode parses one frame from the start of buf. It checks, in order, the
// minimum size, the sync word and that the declared payload fits. The
// checksum byte is extracted but not verified; use Packet.Valid.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < MinPacketSize {
		return Packet{}, &FrameError{Kind: ErrPacketTooSmall, Len: len(buf)}
	}
	sync := binary.BigEndian.Uint16(buf[0:2])
	if sync != SyncWord {
		return Packet{}, &FrameError{Kind: ErrInvalidSync, Len: len(buf), Detail: fmt.Sprintf("got 0x%04x", sync)}
	}
	length := buf[2]
	end := HeaderSize + int(length)
	if len(buf) < end+1 {
		return Packet{}, &FrameError{
			Kind:   ErrIncompletePacket,
			Len:    len(buf),
			Detail: fmt.Sprintf("declared payload %d needs %d bytes", length, end+1),
		}
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:end])
	return Packet{
		Sync:     sync,
		Length:   length,
		Command:  Command(buf[3]),
		Payload:  payload,
		Checksum: buf[end],
	}, nil
}

// DecodeJointAngles reinterprets a 12-byte payload as three little-endian
// float32 values.
func DecodeJointAngles(p Packet) (JointAngles, error) {
	var a JointAngles
	if len(p.Payload) != JointPayloadSize {
		return a, &FrameError{Kind: ErrPayloadLength, Len: len(p.Payload), Detail: fmt.Sprintf("want %d", JointPayloadSize)}
	}
	for i := range a {
		a[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.Payload[i*4 : i*4+4]))
	}
	return a, nil
}

// EncodeTelemetry builds a TELEMETRY frame reporting measured joint angles,
// using the same payload layout as SET_JOINT_ANGLE.
func EncodeTelemetry(a JointAngles) []byte {
	frame := EncodeJointAngles(a)
	frame[3] = byte(CmdTelemetry)
	frame[JointFrameSize-1] = Calculate(frame[3 : JointFrameSize-1])
	return frame
}
