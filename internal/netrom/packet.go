// Package netrom implements the NET/ROM network layer carried over AX.25
// UI and I frames: the binary packet codec, the routing table built from
// periodic NODES broadcasts, the per-circuit state machine, and the
// network driver that ties them together.
package netrom

import (
	"fmt"

	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// OpType is the NET/ROM opcode carried in the low nibble of op_byte.
type OpType byte

const (
	OpUnknown        OpType = 0x00
	OpConnectRequest OpType = 0x01
	OpConnectAck     OpType = 0x02
	OpDisconnectReq  OpType = 0x03
	OpDisconnectAck  OpType = 0x04
	OpInfo           OpType = 0x05
	OpInfoAck        OpType = 0x06
)

func (o OpType) String() string {
	switch o {
	case OpConnectRequest:
		return "ConnReq"
	case OpConnectAck:
		return "ConnAck"
	case OpDisconnectReq:
		return "DiscReq"
	case OpDisconnectAck:
		return "DiscAck"
	case OpInfo:
		return "Info"
	case OpInfoAck:
		return "InfoAck"
	default:
		return "Unknown"
	}
}

const (
	flagChoke       byte = 0x80
	flagNak         byte = 0x40
	flagMoreFollows byte = 0x20
	opMask          byte = 0x0F
)

func opTypeOf(opByte byte) OpType {
	switch OpType(opByte & opMask) {
	case OpConnectRequest, OpConnectAck, OpDisconnectReq, OpDisconnectAck, OpInfo, OpInfoAck:
		return OpType(opByte & opMask)
	default:
		return OpUnknown
	}
}

// Packet is a decoded NET/ROM network-layer packet. Fields
// beyond the fixed header are meaningful only for the opcode that carries
// them: ProposedWindow/OriginUser/OriginNode for ConnectRequest,
// AcceptWindow for ConnectAck, Info for Info.
type Packet struct {
	Dest       callsign.Call
	Source     callsign.Call
	TTL        byte
	CircuitIdx byte
	CircuitID  byte
	TxSeq      byte
	RxSeq      byte
	Op         OpType
	OpByte     byte // preserves an unrecognised opcode's raw value verbatim

	Choke       bool
	Nak         bool
	MoreFollows bool

	ProposedWindow byte
	OriginUser     callsign.Call
	OriginNode     callsign.Call

	AcceptWindow byte

	Info []byte
}

// String renders a one-line monitor-style packet summary.
func (p Packet) String() string {
	s := fmt.Sprintf("%s %s>%s C=%d RX=%d TX=%d TTL=%d", p.Op, p.Source, p.Dest, p.CircuitID, p.RxSeq, p.TxSeq, p.TTL)
	if p.Choke {
		s += " CHOKE"
	}
	if p.Nak {
		s += " NAK"
	}
	if p.MoreFollows {
		s += " MORE"
	}
	return s
}

func encodeFlags(choke, nak, more bool, op OpType) byte {
	b := byte(op)
	if choke {
		b |= flagChoke
	}
	if nak {
		b |= flagNak
	}
	if more {
		b |= flagMoreFollows
	}
	return b
}

// DecodeNetRom parses a raw NET/ROM packet carried in an AX.25 I or UI
// frame's info field. An unrecognised opcode decodes successfully as
// OpUnknown with OpByte preserved, never as an error.
func DecodeNetRom(data []byte) (Packet, error) {
	const fixedHeaderLen = 7 + 7 + 6
	if len(data) < fixedHeaderLen {
		return Packet{}, fmt.Errorf("netrom: truncated header: need %d bytes got %d", fixedHeaderLen, len(data))
	}

	var p Packet
	off := 0

	source, _, _, err := callsign.DecodeAddress(data[off:])
	if err != nil {
		return Packet{}, fmt.Errorf("netrom: source address: %w", err)
	}
	p.Source = source
	off += 7

	dest, _, _, err := callsign.DecodeAddress(data[off:])
	if err != nil {
		return Packet{}, fmt.Errorf("netrom: dest address: %w", err)
	}
	p.Dest = dest
	off += 7

	p.TTL = data[off]
	p.CircuitIdx = data[off+1]
	p.CircuitID = data[off+2]
	p.TxSeq = data[off+3]
	p.RxSeq = data[off+4]
	opByte := data[off+5]
	off += 6

	p.Op = opTypeOf(opByte)
	if p.Op == OpUnknown {
		p.OpByte = opByte
	}
	p.Choke = opByte&flagChoke != 0
	p.Nak = opByte&flagNak != 0
	p.MoreFollows = opByte&flagMoreFollows != 0

	switch p.Op {
	case OpConnectRequest:
		if len(data) < off+1+7+7 {
			return Packet{}, fmt.Errorf("netrom: truncated ConnectRequest tail")
		}
		p.ProposedWindow = data[off]
		off++
		originUser, _, _, err := callsign.DecodeAddress(data[off:])
		if err != nil {
			return Packet{}, fmt.Errorf("netrom: origin user: %w", err)
		}
		p.OriginUser = originUser
		off += 7
		originNode, _, _, err := callsign.DecodeAddress(data[off:])
		if err != nil {
			return Packet{}, fmt.Errorf("netrom: origin node: %w", err)
		}
		p.OriginNode = originNode
	case OpConnectAck:
		if len(data) < off+1 {
			return Packet{}, fmt.Errorf("netrom: truncated ConnectAck tail")
		}
		p.AcceptWindow = data[off]
	case OpInfo:
		p.Info = append([]byte(nil), data[off:]...)
	}

	return p, nil
}

// EncodeNetRom serializes a Packet back into its wire form. Re-encoding a
// decoded packet reproduces its bytes when each address SSID byte has the
// form EncodeAddress(false, false) writes and nothing follows the fields
// its opcode carries; such trailing bytes, including any tail after an
// unknown opcode, are not kept.
func EncodeNetRom(p Packet) []byte {
	var out []byte

	srcAddr := p.Source.EncodeAddress(false, false)
	out = append(out, srcAddr[:]...)
	destAddr := p.Dest.EncodeAddress(false, false)
	out = append(out, destAddr[:]...)

	out = append(out, p.TTL, p.CircuitIdx, p.CircuitID, p.TxSeq, p.RxSeq)

	opByte := p.OpByte
	if p.Op != OpUnknown {
		opByte = encodeFlags(p.Choke, p.Nak, p.MoreFollows, p.Op)
	}
	out = append(out, opByte)

	switch p.Op {
	case OpConnectRequest:
		out = append(out, p.ProposedWindow)
		userAddr := p.OriginUser.EncodeAddress(false, false)
		out = append(out, userAddr[:]...)
		nodeAddr := p.OriginNode.EncodeAddress(false, false)
		out = append(out, nodeAddr[:]...)
	case OpConnectAck:
		out = append(out, p.AcceptWindow)
	case OpInfo:
		out = append(out, p.Info...)
	}

	return out
}
