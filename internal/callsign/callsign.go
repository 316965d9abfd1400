// Package callsign parses and encodes amateur-radio callsigns as used in
// AX.25 addressing: six space-padded uppercase ASCII characters plus a 4-bit
// SSID (0-15).
package callsign

import (
	"fmt"
	"strconv"
	"strings"
)

// Call is a six-character callsign plus SSID, e.g. N0CALL-7.
type Call struct {
	Call string // always 6 characters, space padded, uppercase
	SSID uint8  // 0-15
}

// Parse accepts "N0CALL" or "N0CALL-7" and validates the SSID range.
func Parse(s string) (Call, error) {
	s = strings.TrimSpace(s)
	base, ssidPart, hasSSID := strings.Cut(s, "-")
	base = strings.ToUpper(base)
	if len(base) == 0 || len(base) > 6 {
		return Call{}, fmt.Errorf("callsign: %q must be 1-6 characters", s)
	}
	for _, r := range base {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return Call{}, fmt.Errorf("callsign: %q contains invalid character %q", s, r)
		}
	}
	var ssid uint64
	if hasSSID {
		var err error
		ssid, err = strconv.ParseUint(ssidPart, 10, 8)
		if err != nil || ssid > 15 {
			return Call{}, fmt.Errorf("callsign: %q has invalid SSID", s)
		}
	}
	return Call{Call: base + strings.Repeat(" ", 6-len(base)), SSID: uint8(ssid)}, nil
}

// MustParse is Parse but panics on error; used for literal callsigns in tests.
func MustParse(s string) Call {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the callsign without trailing padding, e.g. "N0CALL-7".
func (c Call) String() string {
	base := strings.TrimRight(c.Call, " ")
	if c.SSID == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, c.SSID)
}

// IsZero reports whether c is the zero value (used as an "unset" sentinel).
func (c Call) IsZero() bool {
	return c.Call == "" && c.SSID == 0
}

// Less orders callsigns lexicographically by padded call then SSID, the tie
// break used to resolve simultaneous SABM collisions: the station with the
// lexicographically smaller callsign wins.
func (c Call) Less(other Call) bool {
	if c.Call != other.Call {
		return c.Call < other.Call
	}
	return c.SSID < other.SSID
}

const addressLen = 7

// EncodeAddress renders the seven-byte shifted-ASCII AX.25 address field.
// cOrH is the C bit for source/destination addresses, or the has-been-repeated
// bit for a digipeater address. last marks the final address in the field,
// setting the low bit of the SSID byte (the end-of-address marker).
func (c Call) EncodeAddress(cOrH bool, last bool) [addressLen]byte {
	var out [addressLen]byte
	for i := 0; i < 6; i++ {
		out[i] = c.Call[i] << 1
	}
	ssidByte := byte(0x60) | (c.SSID << 1) // reserved bits RR/HR are always 1
	if cOrH {
		ssidByte |= 0x80
	}
	if last {
		ssidByte |= 0x01
	}
	out[6] = ssidByte
	return out
}

// DecodeAddress parses a seven-byte shifted-ASCII AX.25 address field.
func DecodeAddress(b []byte) (call Call, cOrH bool, last bool, err error) {
	if len(b) < addressLen {
		return Call{}, false, false, fmt.Errorf("callsign: address field truncated, need %d bytes got %d", addressLen, len(b))
	}
	var raw [6]byte
	for i := 0; i < 6; i++ {
		raw[i] = b[i] >> 1
	}
	call = Call{
		Call: string(raw[:]),
		SSID: (b[6] >> 1) & 0x0F,
	}
	cOrH = b[6]&0x80 != 0
	last = b[6]&0x01 != 0
	return call, cOrH, last, nil
}
