package rfmp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors surfaced by Decode per §7's FramingError kinds.
var (
	ErrBadMagic   = errors.New("rfmp: bad magic")
	ErrBadVersion = errors.New("rfmp: unsupported version")
	ErrUnknownType = errors.New("rfmp: unknown frame type")
	ErrTruncated  = errors.New("rfmp: truncated frame")
)

const headerLen = 2

func encodeHeader(t Type) [headerLen]byte {
	return [headerLen]byte{Magic, (Version << 4) | byte(t)}
}

func decodeHeader(data []byte) (Type, []byte, error) {
	if len(data) < headerLen {
		return 0, nil, fmt.Errorf("%w: need %d header bytes, got %d", ErrTruncated, headerLen, len(data))
	}
	if data[0] != Magic {
		return 0, nil, fmt.Errorf("%w: got 0x%02X", ErrBadMagic, data[0])
	}
	version := data[1] >> 4
	if version != Version {
		return 0, nil, fmt.Errorf("%w: got %d", ErrBadVersion, version)
	}
	t := Type(data[1] & 0x0F)
	if t > TypeReq {
		return 0, nil, fmt.Errorf("%w: got %d", ErrUnknownType, t)
	}
	return t, data[headerLen:], nil
}

// Encode serializes any Frame variant to its wire form.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Msg:
		return EncodeMsg(v)
	case Frag:
		return EncodeFrag(v)
	case Sync:
		return EncodeSync(v)
	case Req:
		return EncodeReq(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, f)
	}
}

// Decode reads the header and dispatches to the matching per-type decoder.
func Decode(data []byte) (Frame, error) {
	t, _, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeMsg:
		return DecodeMsg(data)
	case TypeFrag:
		return DecodeFrag(data)
	case TypeSync:
		return DecodeSync(data)
	case TypeReq:
		return DecodeReq(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

// EncodeMsg serializes a MSG frame per §4.3.
func EncodeMsg(m Msg) ([]byte, error) {
	if len(m.Channel) > 255 {
		return nil, fmt.Errorf("rfmp: channel too long: %d bytes", len(m.Channel))
	}
	if len(m.Author) > 255 {
		return nil, fmt.Errorf("rfmp: author too long: %d bytes", len(m.Author))
	}
	if len(m.Body) > maxPayload {
		return nil, fmt.Errorf("rfmp: body too long: %d bytes", len(m.Body))
	}

	hdr := encodeHeader(TypeMsg)
	out := make([]byte, 0, headerLen+IDLen+4+1+1+len(m.Channel)+1+len(m.Author)+1+IDLen+2+len(m.Body))
	out = append(out, hdr[:]...)
	out = append(out, m.ID[:]...)

	var tsBuf [4]byte
	binary.BigEndian.PutUint32(tsBuf[:], m.Timestamp)
	out = append(out, tsBuf[:]...)

	out = append(out, m.Priority)
	out = append(out, byte(len(m.Channel)))
	out = append(out, []byte(m.Channel)...)
	out = append(out, byte(len(m.Author)))
	out = append(out, []byte(m.Author)...)

	if m.ReplyTo != nil {
		out = append(out, 1)
		out = append(out, m.ReplyTo[:]...)
	} else {
		out = append(out, 0)
	}

	var bodyLen [2]byte
	binary.BigEndian.PutUint16(bodyLen[:], uint16(len(m.Body)))
	out = append(out, bodyLen[:]...)
	out = append(out, m.Body...)

	return out, nil
}

// DecodeMsg parses a MSG frame body (header already validated by caller
// convention, but re-checked here so DecodeMsg is safe to call directly).
func DecodeMsg(data []byte) (Msg, error) {
	t, body, err := decodeHeader(data)
	if err != nil {
		return Msg{}, err
	}
	if t != TypeMsg {
		return Msg{}, fmt.Errorf("%w: expected MSG, got %s", ErrUnknownType, t)
	}

	if len(body) < IDLen+4+1+1 {
		return Msg{}, fmt.Errorf("%w: MSG header too short", ErrTruncated)
	}
	var m Msg
	copy(m.ID[:], body[:IDLen])
	body = body[IDLen:]

	m.Timestamp = binary.BigEndian.Uint32(body[:4])
	body = body[4:]

	m.Priority = body[0]
	body = body[1:]

	chanLen := int(body[0])
	body = body[1:]
	if len(body) < chanLen+1 {
		return Msg{}, fmt.Errorf("%w: MSG channel truncated", ErrTruncated)
	}
	m.Channel = string(body[:chanLen])
	body = body[chanLen:]

	authorLen := int(body[0])
	body = body[1:]
	if len(body) < authorLen+1 {
		return Msg{}, fmt.Errorf("%w: MSG author truncated", ErrTruncated)
	}
	m.Author = string(body[:authorLen])
	body = body[authorLen:]

	replyFlag := body[0]
	body = body[1:]
	switch replyFlag {
	case 0:
		// no reply_to
	case 1:
		if len(body) < IDLen {
			return Msg{}, fmt.Errorf("%w: MSG reply_id truncated", ErrTruncated)
		}
		var rid ID
		copy(rid[:], body[:IDLen])
		m.ReplyTo = &rid
		body = body[IDLen:]
	default:
		return Msg{}, fmt.Errorf("rfmp: MSG reply_flag must be 0 or 1, got %d", replyFlag)
	}

	if len(body) < 2 {
		return Msg{}, fmt.Errorf("%w: MSG body_len truncated", ErrTruncated)
	}
	bodyLen := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) < bodyLen {
		return Msg{}, fmt.Errorf("%w: MSG body truncated: want %d, have %d", ErrTruncated, bodyLen, len(body))
	}
	m.Body = append([]byte(nil), body[:bodyLen]...)

	return m, nil
}

// EncodeFrag serializes a FRAG frame per §4.3.
func EncodeFrag(f Frag) ([]byte, error) {
	if len(f.Payload) > maxPayload {
		return nil, fmt.Errorf("rfmp: fragment payload too long: %d bytes", len(f.Payload))
	}
	hdr := encodeHeader(TypeFrag)
	out := make([]byte, 0, headerLen+IDLen+1+1+2+len(f.Payload))
	out = append(out, hdr[:]...)
	out = append(out, f.ID[:]...)
	out = append(out, f.Seq, f.Total)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(f.Payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, f.Payload...)
	return out, nil
}

// DecodeFrag parses a FRAG frame.
func DecodeFrag(data []byte) (Frag, error) {
	t, body, err := decodeHeader(data)
	if err != nil {
		return Frag{}, err
	}
	if t != TypeFrag {
		return Frag{}, fmt.Errorf("%w: expected FRAG, got %s", ErrUnknownType, t)
	}
	if len(body) < IDLen+1+1+2 {
		return Frag{}, fmt.Errorf("%w: FRAG header too short", ErrTruncated)
	}

	var f Frag
	copy(f.ID[:], body[:IDLen])
	body = body[IDLen:]
	f.Seq = body[0]
	f.Total = body[1]
	body = body[2:]

	payloadLen := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) < payloadLen {
		return Frag{}, fmt.Errorf("%w: FRAG payload truncated", ErrTruncated)
	}
	f.Payload = append([]byte(nil), body[:payloadLen]...)

	if f.Total == 0 || f.Seq >= f.Total {
		return Frag{}, fmt.Errorf("rfmp: invalid fragment seq %d/total %d", f.Seq, f.Total)
	}

	return f, nil
}

// EncodeSync serializes a SYNC frame per §4.3.
func EncodeSync(s Sync) ([]byte, error) {
	hdr := encodeHeader(TypeSync)
	out := append([]byte{}, hdr[:]...)
	out = append(out, byte(len(s.Windows)))

	for _, w := range s.Windows {
		want := 1 << w.MLog2 / 8
		if len(w.Bits) != want {
			return nil, fmt.Errorf("rfmp: window bits len %d, want %d for m_log2=%d", len(w.Bits), want, w.MLog2)
		}

		var buf [10]byte
		binary.BigEndian.PutUint32(buf[0:4], w.OpenedAt)
		binary.BigEndian.PutUint32(buf[4:8], w.Salt)
		buf[8] = w.K
		buf[9] = w.MLog2
		out = append(out, buf[:]...)
		out = append(out, w.Bits...)
	}

	return out, nil
}

// DecodeSync parses a SYNC frame, accepting any m_log2 in [6, 14] per §4.3.
func DecodeSync(data []byte) (Sync, error) {
	t, body, err := decodeHeader(data)
	if err != nil {
		return Sync{}, err
	}
	if t != TypeSync {
		return Sync{}, fmt.Errorf("%w: expected SYNC, got %s", ErrUnknownType, t)
	}
	if len(body) < 1 {
		return Sync{}, fmt.Errorf("%w: SYNC count truncated", ErrTruncated)
	}
	count := int(body[0])
	body = body[1:]

	windows := make([]WindowSummary, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 10 {
			return Sync{}, fmt.Errorf("%w: SYNC window %d header truncated", ErrTruncated, i)
		}
		var w WindowSummary
		w.OpenedAt = binary.BigEndian.Uint32(body[0:4])
		w.Salt = binary.BigEndian.Uint32(body[4:8])
		w.K = body[8]
		w.MLog2 = body[9]
		body = body[10:]

		if w.MLog2 < 6 || w.MLog2 > 14 {
			return Sync{}, fmt.Errorf("rfmp: SYNC window %d m_log2=%d out of range [6,14]", i, w.MLog2)
		}
		bitsLen := 1 << w.MLog2 / 8
		if len(body) < bitsLen {
			return Sync{}, fmt.Errorf("%w: SYNC window %d bits truncated", ErrTruncated, i)
		}
		w.Bits = append([]byte(nil), body[:bitsLen]...)
		body = body[bitsLen:]

		windows = append(windows, w)
	}

	return Sync{Windows: windows}, nil
}

// EncodeReq serializes a REQ frame per §4.3.
func EncodeReq(r Req) ([]byte, error) {
	if len(r.IDs) > 255 {
		return nil, fmt.Errorf("rfmp: REQ carries at most 255 ids, got %d", len(r.IDs))
	}
	hdr := encodeHeader(TypeReq)
	out := make([]byte, 0, headerLen+1+len(r.IDs)*IDLen)
	out = append(out, hdr[:]...)
	out = append(out, byte(len(r.IDs)))
	for _, id := range r.IDs {
		out = append(out, id[:]...)
	}
	return out, nil
}

// DecodeReq parses a REQ frame.
func DecodeReq(data []byte) (Req, error) {
	t, body, err := decodeHeader(data)
	if err != nil {
		return Req{}, err
	}
	if t != TypeReq {
		return Req{}, fmt.Errorf("%w: expected REQ, got %s", ErrUnknownType, t)
	}
	if len(body) < 1 {
		return Req{}, fmt.Errorf("%w: REQ count truncated", ErrTruncated)
	}
	count := int(body[0])
	body = body[1:]
	if len(body) < count*IDLen {
		return Req{}, fmt.Errorf("%w: REQ ids truncated", ErrTruncated)
	}

	ids := make([]ID, count)
	for i := 0; i < count; i++ {
		copy(ids[i][:], body[i*IDLen:(i+1)*IDLen])
	}
	return Req{IDs: ids}, nil
}
