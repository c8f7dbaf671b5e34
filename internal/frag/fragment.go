// Package frag implements the outbound fragmenter and inbound reassembler
// from §4.5. The reassembler buffers FRAGs per (from_node, msg_id) until
// the set is complete, structurally the same buffer-until-complete shape
// as the teacher's FrameRatioConverter accumulating partial frame sets
// before producing output.
package frag

import (
	"fmt"

	"github.com/n0call/rfmp/internal/rfmp"
)

// headerOverhead is the FRAG wire overhead (hdr+id+seq+total+len) that
// Fragment subtracts from the MTU to size each payload chunk.
const headerOverhead = 2 + rfmp.IDLen + 1 + 1 + 2

// Fragment splits an encoded MSG frame into FRAG frames sized to fit
// within mtu, per §4.5. If encodedMsg already fits, Fragment returns nil
// and the caller should transmit encodedMsg unchanged.
func Fragment(msgID rfmp.ID, encodedMsg []byte, mtu int) ([]rfmp.Frag, error) {
	if len(encodedMsg) <= mtu {
		return nil, nil
	}

	chunkSize := mtu - headerOverhead
	if chunkSize <= 0 {
		return nil, fmt.Errorf("frag: mtu %d too small for fragment overhead %d", mtu, headerOverhead)
	}

	total := (len(encodedMsg) + chunkSize - 1) / chunkSize
	if total > 255 {
		return nil, fmt.Errorf("frag: message requires %d fragments, exceeds 255", total)
	}

	frags := make([]rfmp.Frag, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(encodedMsg) {
			end = len(encodedMsg)
		}
		frags = append(frags, rfmp.Frag{
			ID:      msgID,
			Seq:     uint8(seq),
			Total:   uint8(total),
			Payload: encodedMsg[start:end],
		})
	}
	return frags, nil
}
