// Package ax25 implements the AX.25 Unnumbered-Information subset RFMP
// rides on: address encoding and UI-frame framing (control 0x03, PID 0xF0).
package ax25

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is returned for any AX.25 field that does not parse.
var ErrMalformed = errors.New("ax25: malformed")

// Callsign is an amateur-radio station identifier: 1-6 uppercase ASCII
// characters plus an optional SSID in 0-15.
type Callsign struct {
	Base string
	SSID uint8
}

// ParseCallsign parses the canonical "CALL" or "CALL-N" string form.
func ParseCallsign(s string) (Callsign, error) {
	base, ssidStr, hasSSID := strings.Cut(s, "-")
	base = strings.ToUpper(strings.TrimSpace(base))

	if len(base) == 0 || len(base) > 6 {
		return Callsign{}, fmt.Errorf("%w: callsign %q must be 1-6 chars", ErrMalformed, s)
	}
	for _, c := range base {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return Callsign{}, fmt.Errorf("%w: callsign %q has non-alphanumeric char", ErrMalformed, s)
		}
	}

	var ssid uint64
	if hasSSID {
		var err error
		ssid, err = strconv.ParseUint(ssidStr, 10, 8)
		if err != nil || ssid > 15 {
			return Callsign{}, fmt.Errorf("%w: callsign %q has invalid SSID", ErrMalformed, s)
		}
	}

	return Callsign{Base: base, SSID: uint8(ssid)}, nil
}

// String renders the canonical "CALL" or "CALL-N" form.
func (c Callsign) String() string {
	if c.SSID == 0 {
		return c.Base
	}
	return fmt.Sprintf("%s-%d", c.Base, c.SSID)
}

// addressFieldLen is the fixed width of one AX.25 address field.
const addressFieldLen = 7

// encodeAddress packs a callsign into a 7-octet AX.25 address field.
// last marks the final address in the chain (end-of-address bit set);
// cBit sets the command/response bit carried in bit 7 of the SSID octet.
func encodeAddress(c Callsign, last bool, cBit bool) [addressFieldLen]byte {
	var out [addressFieldLen]byte
	padded := c.Base
	for len(padded) < 6 {
		padded += " "
	}
	for i := 0; i < 6; i++ {
		out[i] = padded[i] << 1
	}

	// 0b011Sxxx1: reserved bits 6-5 set to 1, SSID in bits 4-1, end-of-address in bit 0.
	ssidByte := byte(0x60) | (c.SSID << 1)
	if cBit {
		ssidByte |= 0x80
	}
	if last {
		ssidByte |= 0x01
	}
	out[6] = ssidByte
	return out
}

// decodeAddress unpacks one 7-octet AX.25 address field.
func decodeAddress(b []byte) (c Callsign, last bool, cBit bool, err error) {
	if len(b) != addressFieldLen {
		return Callsign{}, false, false, fmt.Errorf("%w: address field must be %d bytes, got %d", ErrMalformed, addressFieldLen, len(b))
	}

	var base [6]byte
	for i := 0; i < 6; i++ {
		ch := b[i] >> 1
		base[i] = ch
	}
	name := strings.TrimRight(string(base[:]), " ")
	if name == "" {
		return Callsign{}, false, false, fmt.Errorf("%w: empty callsign in address field", ErrMalformed)
	}

	ssidByte := b[6]
	cs := Callsign{Base: name, SSID: (ssidByte >> 1) & 0x0F}
	return cs, ssidByte&0x01 != 0, ssidByte&0x80 != 0, nil
}
