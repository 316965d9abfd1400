package callsign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	c, err := Parse("n0call-7")
	require.NoError(t, err)
	assert.Equal(t, "N0CALL", trimmed(c))
	assert.Equal(t, uint8(7), c.SSID)
	assert.Equal(t, "N0CALL-7", c.String())

	c2, err := Parse("WIDE2")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), c2.SSID)
	assert.Equal(t, "WIDE2", c2.String())
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse("TOOLONGCALL")
	assert.Error(t, err)

	_, err = Parse("N0CALL-16")
	assert.Error(t, err)

	_, err = Parse("N0-CALL-1")
	assert.Error(t, err)
}

func TestLessTieBreak(t *testing.T) {
	a := MustParse("N0CALL")
	b := MustParse("N1CALL")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestAddressRoundTrip(t *testing.T) {
	c := MustParse("N0CALL-9")
	enc := c.EncodeAddress(true, true)
	dec, cBit, last, err := DecodeAddress(enc[:])
	require.NoError(t, err)
	assert.Equal(t, c, dec)
	assert.True(t, cBit)
	assert.True(t, last)
}

func TestAddressRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[A-Z0-9]{1,6}`).Draw(t, "base")
		ssid := rapid.IntRange(0, 15).Draw(t, "ssid")
		c := Call{Call: base + pad(base), SSID: uint8(ssid)}
		cBit := rapid.Bool().Draw(t, "cBit")
		last := rapid.Bool().Draw(t, "last")

		enc := c.EncodeAddress(cBit, last)
		dec, decC, decLast, err := DecodeAddress(enc[:])
		require.NoError(t, err)
		assert.Equal(t, c, dec)
		assert.Equal(t, cBit, decC)
		assert.Equal(t, last, decLast)
	})
}

func trimmed(c Call) string {
	i := 0
	for i < len(c.Call) && c.Call[i] != ' ' {
		i++
	}
	return c.Call[:i]
}

func pad(s string) string {
	out := ""
	for len(s)+len(out) < 6 {
		out += " "
	}
	return out
}
