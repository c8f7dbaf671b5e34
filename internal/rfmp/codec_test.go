package rfmp

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestFingerprintDeterminism(t *testing.T) {
	id := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))

	if len(id.String()) != 12 {
		t.Fatalf("fingerprint string len = %d, want 12", len(id.String()))
	}

	again := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))
	if id != again {
		t.Errorf("fingerprint not deterministic: %s != %s", id, again)
	}

	other := Fingerprint("N0CALL-1", 1700000000, []byte("hellO"))
	if id == other {
		t.Errorf("fingerprint collided for different bodies")
	}
}

func TestFingerprintMatchesReferenceHash(t *testing.T) {
	// Cross-check against a hand-computed SHA-256 prefix per §4.3/§8.2.
	id := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))
	got := id.String()

	expectedFull := sha256Hex("N0CALL-1" + "\x1f" + string([]byte{0x65, 0x53, 0xF1, 0x00}) + "\x1f" + "hello")
	if got != expectedFull[:12] {
		t.Errorf("fingerprint = %s, want prefix of %s", got, expectedFull)
	}
}

func TestParseIDRoundTrip(t *testing.T) {
	id := Fingerprint("N0CALL", 1, []byte("x"))
	parsed, err := ParseID(id.String())
	if err != nil {
		t.Fatalf("ParseID: %v", err)
	}
	if parsed != id {
		t.Errorf("ParseID round trip mismatch")
	}
}

func TestIDHasPrefix(t *testing.T) {
	id := Fingerprint("N0CALL", 1, []byte("x"))
	full := id.String()

	if !id.HasPrefix(full[:8]) {
		t.Errorf("expected 8-char prefix to match")
	}
	if id.HasPrefix(full[:7]) {
		t.Errorf("7-char prefix must not be accepted per §4.3")
	}
	if id.HasPrefix("deadbeef") && full[:8] == "deadbeef" {
		t.Errorf("unrelated prefix matched")
	}
}

func TestMsgEncodeDecodeRoundTrip(t *testing.T) {
	replyID := Fingerprint("N0CALL", 1, []byte("parent"))
	tests := []Msg{
		{
			ID:        Fingerprint("N0CALL-1", 100, []byte("hi")),
			FromNode:  "N0CALL-1",
			Timestamp: 100,
			Priority:  1,
			Channel:   "general",
			Author:    "alice",
			Body:      []byte("hi"),
		},
		{
			ID:        Fingerprint("N0CALL-1", 200, []byte("reply")),
			FromNode:  "N0CALL-1",
			Timestamp: 200,
			Priority:  0,
			Channel:   "ops",
			Author:    "",
			ReplyTo:   &replyID,
			Body:      []byte("reply"),
		},
		{
			ID:        Fingerprint("AB1CD", 0, nil),
			FromNode:  "AB1CD",
			Timestamp: 0,
			Priority:  3,
			Channel:   "a",
			Body:      []byte{},
		},
	}

	for _, m := range tests {
		encoded, err := EncodeMsg(m)
		if err != nil {
			t.Fatalf("EncodeMsg: %v", err)
		}
		decoded, err := DecodeMsg(encoded)
		if err != nil {
			t.Fatalf("DecodeMsg: %v", err)
		}

		if decoded.ID != m.ID || decoded.Timestamp != m.Timestamp || decoded.Priority != m.Priority ||
			decoded.Channel != m.Channel || decoded.Author != m.Author {
			t.Errorf("decoded = %+v, want %+v", decoded, m)
		}
		if !bytes.Equal(decoded.Body, m.Body) {
			t.Errorf("Body = %v, want %v", decoded.Body, m.Body)
		}
		if (decoded.ReplyTo == nil) != (m.ReplyTo == nil) {
			t.Errorf("ReplyTo presence mismatch")
		}
		if decoded.ReplyTo != nil && m.ReplyTo != nil && *decoded.ReplyTo != *m.ReplyTo {
			t.Errorf("ReplyTo = %v, want %v", decoded.ReplyTo, m.ReplyTo)
		}
	}
}

func TestMsgVerify(t *testing.T) {
	m := Msg{
		FromNode:  "N0CALL-1",
		Timestamp: 42,
		Body:      []byte("payload"),
	}
	m.ID = Fingerprint(m.FromNode, m.Timestamp, m.Body)
	if err := m.Verify(); err != nil {
		t.Errorf("Verify() = %v, want nil", err)
	}

	m.Timestamp = 43 // mutate a fingerprinted field
	if err := m.Verify(); err == nil {
		t.Errorf("Verify() = nil, want ErrIDMismatch")
	}
}

func TestFragEncodeDecodeRoundTrip(t *testing.T) {
	f := Frag{
		ID:      Fingerprint("N0CALL", 1, []byte("x")),
		Seq:     1,
		Total:   4,
		Payload: []byte{0x01, 0x02, 0x03},
	}
	encoded, err := EncodeFrag(f)
	if err != nil {
		t.Fatalf("EncodeFrag: %v", err)
	}
	decoded, err := DecodeFrag(encoded)
	if err != nil {
		t.Fatalf("DecodeFrag: %v", err)
	}
	if decoded.ID != f.ID || decoded.Seq != f.Seq || decoded.Total != f.Total {
		t.Errorf("decoded = %+v, want %+v", decoded, f)
	}
	if !bytes.Equal(decoded.Payload, f.Payload) {
		t.Errorf("Payload = %v, want %v", decoded.Payload, f.Payload)
	}
}

func TestFragInvalidSeq(t *testing.T) {
	f := Frag{ID: Fingerprint("N0CALL", 1, nil), Seq: 5, Total: 4}
	encoded, _ := EncodeFrag(f)
	if _, err := DecodeFrag(encoded); err == nil {
		t.Errorf("expected error for seq >= total")
	}
}

func TestSyncEncodeDecodeRoundTrip(t *testing.T) {
	s := Sync{
		Windows: []WindowSummary{
			{OpenedAt: 1000, Salt: 42, K: 4, MLog2: 6, Bits: make([]byte, 8)},
			{OpenedAt: 2000, Salt: 43, K: 4, MLog2: 10, Bits: make([]byte, 128)},
			{OpenedAt: 3000, Salt: 44, K: 4, MLog2: 14, Bits: make([]byte, 2048)},
		},
	}
	s.Windows[1].Bits[5] = 0xFF

	encoded, err := EncodeSync(s)
	if err != nil {
		t.Fatalf("EncodeSync: %v", err)
	}
	decoded, err := DecodeSync(encoded)
	if err != nil {
		t.Fatalf("DecodeSync: %v", err)
	}
	if len(decoded.Windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(decoded.Windows))
	}
	for i, w := range decoded.Windows {
		want := s.Windows[i]
		if w.OpenedAt != want.OpenedAt || w.Salt != want.Salt || w.K != want.K || w.MLog2 != want.MLog2 {
			t.Errorf("window %d = %+v, want %+v", i, w, want)
		}
		if !bytes.Equal(w.Bits, want.Bits) {
			t.Errorf("window %d bits mismatch", i)
		}
	}
}

func TestSyncRejectsOutOfRangeMLog2(t *testing.T) {
	hdr := encodeHeader(TypeSync)
	data := append([]byte{}, hdr[:]...)
	data = append(data, 1) // window_count = 1
	data = append(data, 0, 0, 0, 0) // opened_at
	data = append(data, 0, 0, 0, 0) // salt
	data = append(data, 4)          // k
	data = append(data, 15)         // m_log2 = 15, out of [6,14]

	if _, err := DecodeSync(data); err == nil {
		t.Errorf("expected error for m_log2 out of range")
	}
}

func TestReqEncodeDecodeRoundTrip(t *testing.T) {
	r := Req{IDs: []ID{
		Fingerprint("N0CALL", 1, []byte("a")),
		Fingerprint("N0CALL", 2, []byte("b")),
	}}
	encoded, err := EncodeReq(r)
	if err != nil {
		t.Fatalf("EncodeReq: %v", err)
	}
	decoded, err := DecodeReq(encoded)
	if err != nil {
		t.Fatalf("DecodeReq: %v", err)
	}
	if len(decoded.IDs) != 2 || decoded.IDs[0] != r.IDs[0] || decoded.IDs[1] != r.IDs[1] {
		t.Errorf("decoded = %+v, want %+v", decoded, r)
	}
}

func TestDecodeBadMagicAndVersion(t *testing.T) {
	good, _ := EncodeMsg(Msg{ID: Fingerprint("X", 1, nil), FromNode: "X", Channel: "c"})

	badMagic := append([]byte{}, good...)
	badMagic[0] = 0x00
	if _, err := Decode(badMagic); err == nil {
		t.Errorf("expected ErrBadMagic")
	}

	badVersion := append([]byte{}, good...)
	badVersion[1] = (0x7 << 4) | byte(TypeMsg)
	if _, err := Decode(badVersion); err == nil {
		t.Errorf("expected ErrBadVersion")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data := []byte{Magic, (Version << 4) | 0x0F}
	if _, err := Decode(data); err == nil {
		t.Errorf("expected ErrUnknownType")
	}
}

func TestGenericEncodeDecodeDispatch(t *testing.T) {
	m := Msg{ID: Fingerprint("X", 1, []byte("b")), FromNode: "X", Channel: "c", Body: []byte("b")}
	encoded, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Type() != TypeMsg {
		t.Errorf("Type() = %v, want MSG", decoded.Type())
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
