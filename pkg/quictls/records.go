/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package quictls

import (
	"github.com/gravitational/trace"

	"github.com/runZeroInc/go-quicplatform/pkg/sys"
)

// TLS handshake message types the reassembler cares about.
const (
	msgTypeEncryptedExtensions = 8
	msgTypeFinished            = 20
)

const msgHeaderLen = 4 // 1-byte type + 3-byte length

// record is a run of handshake bytes ending on a message boundary,
// except when marked incomplete (a trailing partial message waiting for
// the next CRYPTO payload).
type record struct {
	data       []byte
	incomplete bool
}

// recordList reassembles CRYPTO-frame payloads into handshake records
// the TLS engine consumes one at a time. Payloads may carry one, many,
// or part of a handshake message; the list restores message framing,
// isolates EncryptedExtensions on its own record (the engine expects an
// epoch change on its own record boundary), and treats everything after
// Finished as padding.
type recordList struct {
	records *sys.List[*record]
}

func newRecordList() *recordList {
	return &recordList{records: sys.NewList[*record]()}
}

// Append merges data into the list. If the head record is incomplete the
// new bytes are first concatenated to it, then the merged bytes are
// re-scanned message by message.
func (rl *recordList) Append(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if head := rl.records.Front(); head != nil && head.Value.incomplete {
		merged := append(head.Value.data, data...)
		rl.records.Remove(head)
		return rl.splitAdd(merged, true)
	}
	return rl.splitAdd(append([]byte(nil), data...), false)
}

// splitAdd scans buf message-by-message and appends records. atHead
// restores a merged head record to the front of the list.
func (rl *recordList) splitAdd(buf []byte, atHead bool) error {
	push := func(r *record) {
		if atHead {
			rl.records.PushFront(r)
			atHead = false
			return
		}
		rl.records.PushBack(r)
	}

	// Collect the split first so an invalid message leaves the list
	// untouched.
	var pending []*record
	for len(buf) > 0 {
		offset := 0
		incomplete := false
		finished := false

		for offset < len(buf) {
			if offset+msgHeaderLen > len(buf) {
				incomplete = true
				break
			}
			msgType := buf[offset]
			if msgType > msgTypeFinished {
				return trace.BadParameter("invalid handshake message type %d", msgType)
			}
			msgLen := int(buf[offset+1])<<16 | int(buf[offset+2])<<8 | int(buf[offset+3])
			msgEnd := offset + msgHeaderLen + msgLen

			if msgType == msgTypeFinished && msgEnd <= len(buf) {
				// Trailing bytes after Finished are padding; drop them
				// and end on the record boundary.
				buf = buf[:msgEnd]
				offset = msgEnd
				finished = true
				break
			}
			if msgEnd > len(buf) {
				incomplete = true
				break
			}
			if msgType == msgTypeEncryptedExtensions && offset != 0 {
				// Force a split so EncryptedExtensions arrives alone.
				break
			}
			if msgType == msgTypeEncryptedExtensions {
				// And nothing may ride in the same record after it.
				offset = msgEnd
				break
			}
			offset = msgEnd
		}

		switch {
		case offset == 0 && incomplete:
			pending = append(pending, &record{data: buf, incomplete: true})
			buf = nil
		case offset == 0:
			// A forced split with no leading bytes cannot happen (the
			// EncryptedExtensions check requires offset != 0), but keep
			// the scan honest.
			return trace.BadParameter("handshake record scan made no progress")
		default:
			pending = append(pending, &record{data: buf[:offset]})
			if finished {
				buf = nil
			} else {
				buf = buf[offset:]
			}
			if len(buf) == 0 && incomplete {
				// Partial header consumed entirely above; nothing left.
				break
			}
			if incomplete {
				pending = append(pending, &record{data: buf, incomplete: true})
				buf = nil
			}
		}
	}

	for _, r := range pending {
		push(r)
	}
	return nil
}

// NextComplete returns the head record if it is complete, else nil.
func (rl *recordList) NextComplete() []byte {
	head := rl.records.Front()
	if head == nil || head.Value.incomplete {
		return nil
	}
	return head.Value.data
}

// Release drops the head record after the engine consumed it.
func (rl *recordList) Release() {
	if head := rl.records.Front(); head != nil {
		rl.records.Remove(head)
	}
}

// Len reports the number of queued records.
func (rl *recordList) Len() int { return rl.records.Len() }
