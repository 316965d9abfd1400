package netrom

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tarpn-go/tarpnd/internal/ax25"
	"github.com/tarpn-go/tarpnd/internal/callsign"
)

// NodeRecord is one destination entry in a NODES broadcast or snapshot.
type NodeRecord struct {
	DestCall     callsign.Call
	DestAlias    string
	BestNeighbor callsign.Call
	Quality      int
}

// Nodes is a full NODES advertisement: this station's alias plus every
// destination it is currently willing to advertise.
type Nodes struct {
	SendingAlias string
	Destinations []NodeRecord
}

const nodesMarker = 0xFF
const aliasFieldLen = 6

// nodesChunkSize bounds each broadcast frame to 11 destination records,
// keeping frames within a conservative AX.25 I-field size.
const nodesChunkSize = 11

func padAlias(alias string) string {
	alias = strings.ToUpper(alias)
	if len(alias) > aliasFieldLen {
		alias = alias[:aliasFieldLen]
	}
	return alias + strings.Repeat(" ", aliasFieldLen-len(alias))
}

// EncodeNodes serializes a NODES broadcast: the 0xFF marker, padded sending
// alias, then one {dest_call, dest_alias, best_neighbor, quality} record
// per destination.
func EncodeNodes(n Nodes) []byte {
	out := make([]byte, 0, 1+aliasFieldLen+len(n.Destinations)*21)
	out = append(out, nodesMarker)
	out = append(out, []byte(padAlias(n.SendingAlias))...)
	for _, d := range n.Destinations {
		destAddr := d.DestCall.EncodeAddress(false, false)
		out = append(out, destAddr[:]...)
		out = append(out, []byte(padAlias(d.DestAlias))...)
		neighborAddr := d.BestNeighbor.EncodeAddress(false, false)
		out = append(out, neighborAddr[:]...)
		out = append(out, byte(d.Quality&0xFF))
	}
	return out
}

// DecodeNodes parses a NODES broadcast. Aliases are decoded leniently:
// non-ASCII bytes are replaced and trailing padding is stripped.
func DecodeNodes(data []byte) (Nodes, error) {
	if len(data) < 1+aliasFieldLen {
		return Nodes{}, fmt.Errorf("netrom: truncated NODES header")
	}
	if data[0] != nodesMarker {
		return Nodes{}, fmt.Errorf("netrom: missing NODES marker byte, got 0x%02x", data[0])
	}
	var n Nodes
	n.SendingAlias = decodeAlias(data[1 : 1+aliasFieldLen])

	off := 1 + aliasFieldLen
	const recordLen = 7 + aliasFieldLen + 7 + 1
	for off+recordLen <= len(data) {
		destCall, _, _, err := callsign.DecodeAddress(data[off:])
		if err != nil {
			return Nodes{}, fmt.Errorf("netrom: NODES dest call: %w", err)
		}
		off += 7
		alias := decodeAlias(data[off : off+aliasFieldLen])
		off += aliasFieldLen
		neighbor, _, _, err := callsign.DecodeAddress(data[off:])
		if err != nil {
			return Nodes{}, fmt.Errorf("netrom: NODES neighbor call: %w", err)
		}
		off += 7
		quality := int(data[off])
		off++
		n.Destinations = append(n.Destinations, NodeRecord{
			DestCall: destCall, DestAlias: alias, BestNeighbor: neighbor, Quality: quality,
		})
	}
	return n, nil
}

func decodeAlias(b []byte) string {
	clean := make([]rune, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7F {
			clean = append(clean, rune(c))
		} else {
			clean = append(clean, '�')
		}
	}
	return strings.TrimSpace(string(clean))
}

// ToFrames splits n into UI frames addressed to callsign "NODES", each
// carrying at most nodesChunkSize destination records, and with the
// NET/ROM PID set.
func (n Nodes) ToFrames(source callsign.Call) []ax25.Packet {
	nodesCall := callsign.MustParse("NODES")
	var frames []ax25.Packet
	for start := 0; start < len(n.Destinations); start += nodesChunkSize {
		end := start + nodesChunkSize
		if end > len(n.Destinations) {
			end = len(n.Destinations)
		}
		chunk := Nodes{SendingAlias: n.SendingAlias, Destinations: n.Destinations[start:end]}
		frames = append(frames, ax25.Packet{
			Dest: nodesCall, Source: source, Command: true, Kind: ax25.KindUI,
			HasPID: true, PID: ax25.PIDNetRom, Info: EncodeNodes(chunk),
		})
	}
	if len(n.Destinations) == 0 {
		frames = append(frames, ax25.Packet{
			Dest: nodesCall, Source: source, Command: true, Kind: ax25.KindUI,
			HasPID: true, PID: ax25.PIDNetRom, Info: EncodeNodes(n),
		})
	}
	return frames
}

// snapshot is the on-disk JSON shape for nodes.json.
type snapshot struct {
	NodeCall     string             `json:"nodeCall"`
	NodeAlias    string             `json:"nodeAlias"`
	CreatedAt    time.Time          `json:"createdAt"`
	Destinations []snapshotDestJSON `json:"destinations"`
}

type snapshotDestJSON struct {
	NodeCall     string `json:"nodeCall"`
	NodeAlias    string `json:"nodeAlias"`
	BestNeighbor string `json:"bestNeighbor"`
	Quality      int    `json:"quality"`
}

// SaveNodes persists n to file as JSON. Callers snapshot the routing table
// under its lock and call this outside the critical section, since disk
// writes can block.
func SaveNodes(source callsign.Call, n Nodes, path string) error {
	snap := snapshot{
		NodeCall:  source.String(),
		NodeAlias: n.SendingAlias,
		CreatedAt: time.Now(),
	}
	for _, d := range n.Destinations {
		snap.Destinations = append(snap.Destinations, snapshotDestJSON{
			NodeCall:     d.DestCall.String(),
			NodeAlias:    d.DestAlias,
			BestNeighbor: d.BestNeighbor.String(),
			Quality:      d.Quality,
		})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("netrom: marshal nodes snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadNodes reads a previously saved nodes.json, returning
// (Nodes{}, false, nil) if the file does not exist yet.
func LoadNodes(path string) (Nodes, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Nodes{}, false, nil
	}
	if err != nil {
		return Nodes{}, false, fmt.Errorf("netrom: read nodes snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Nodes{}, false, fmt.Errorf("netrom: unmarshal nodes snapshot: %w", err)
	}
	n := Nodes{SendingAlias: snap.NodeAlias}
	for _, d := range snap.Destinations {
		destCall, err := callsign.Parse(d.NodeCall)
		if err != nil {
			return Nodes{}, false, fmt.Errorf("netrom: nodes snapshot dest call: %w", err)
		}
		neighborCall, err := callsign.Parse(d.BestNeighbor)
		if err != nil {
			return Nodes{}, false, fmt.Errorf("netrom: nodes snapshot neighbor call: %w", err)
		}
		n.Destinations = append(n.Destinations, NodeRecord{
			DestCall: destCall, DestAlias: d.NodeAlias, BestNeighbor: neighborCall, Quality: d.Quality,
		})
	}
	return n, true, nil
}
