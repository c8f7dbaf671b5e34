package ax25

import "fmt"

// Control and PID values used by the UI subset RFMP rides on.
const (
	ControlUI = 0x03
	PIDNoL3   = 0xF0

	// MaxDigipeaters bounds the repeated digipeater path.
	MaxDigipeaters = 8
)

// UIFrame is a decoded AX.25 Unnumbered-Information frame. RFMP only
// produces and consumes this subset: no supervisory or I-frames.
type UIFrame struct {
	Dest        Callsign
	Source      Callsign
	Digipeaters []Callsign
	Payload     []byte
}

// EncodeUI serializes a UI frame: dest address, source address, optional
// digipeater path, control byte 0x03, PID 0xF0, then the payload.
func EncodeUI(f UIFrame) ([]byte, error) {
	if len(f.Digipeaters) > MaxDigipeaters {
		return nil, fmt.Errorf("%w: %d digipeaters exceeds max %d", ErrMalformed, len(f.Digipeaters), MaxDigipeaters)
	}

	out := make([]byte, 0, addressFieldLen*(2+len(f.Digipeaters))+2+len(f.Payload))

	lastIsDigi := len(f.Digipeaters) == 0
	destField := encodeAddress(f.Dest, false, true)
	out = append(out, destField[:]...)

	srcField := encodeAddress(f.Source, lastIsDigi, false)
	out = append(out, srcField[:]...)

	for i, d := range f.Digipeaters {
		last := i == len(f.Digipeaters)-1
		field := encodeAddress(d, last, false)
		out = append(out, field[:]...)
	}

	out = append(out, ControlUI, PIDNoL3)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeUI parses a UI frame from raw AX.25 bytes.
func DecodeUI(data []byte) (UIFrame, error) {
	if len(data)%addressFieldLen != 0 && len(data) < 2*addressFieldLen {
		return UIFrame{}, fmt.Errorf("%w: address section not a multiple of %d bytes", ErrMalformed, addressFieldLen)
	}

	var addrs [][addressFieldLen]byte
	remaining := data
	for {
		if len(remaining) < addressFieldLen {
			return UIFrame{}, fmt.Errorf("%w: truncated address field", ErrMalformed)
		}
		var field [addressFieldLen]byte
		copy(field[:], remaining[:addressFieldLen])
		addrs = append(addrs, field)
		remaining = remaining[addressFieldLen:]

		if field[6]&0x01 != 0 {
			break // end-of-address bit set
		}
		if len(addrs) > 2+MaxDigipeaters {
			return UIFrame{}, fmt.Errorf("%w: end-of-address bit never set", ErrMalformed)
		}
	}

	if len(addrs) < 2 {
		return UIFrame{}, fmt.Errorf("%w: need at least dest and source address", ErrMalformed)
	}
	if len(remaining) < 2 {
		return UIFrame{}, fmt.Errorf("%w: truncated control/PID", ErrMalformed)
	}

	control, pid := remaining[0], remaining[1]
	if control != ControlUI {
		return UIFrame{}, fmt.Errorf("%w: expected UI control byte 0x%02X, got 0x%02X", ErrMalformed, ControlUI, control)
	}
	if pid != PIDNoL3 {
		return UIFrame{}, fmt.Errorf("%w: expected PID 0x%02X, got 0x%02X", ErrMalformed, PIDNoL3, pid)
	}

	dest, _, _, err := decodeAddress(addrs[0][:])
	if err != nil {
		return UIFrame{}, err
	}
	source, _, _, err := decodeAddress(addrs[1][:])
	if err != nil {
		return UIFrame{}, err
	}

	var digis []Callsign
	for _, field := range addrs[2:] {
		d, _, _, err := decodeAddress(field[:])
		if err != nil {
			return UIFrame{}, err
		}
		digis = append(digis, d)
	}

	return UIFrame{
		Dest:        dest,
		Source:      source,
		Digipeaters: digis,
		Payload:     remaining[2:],
	}, nil
}
