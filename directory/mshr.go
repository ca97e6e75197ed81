package directory

import (
	"container/list"

	"github.com/sarchlab/dirsim/mem/proto"
)

// mshrEntry is one queued request against a line, spec.md §3's MSHR record.
type mshrEntry struct {
	event       *proto.Msg
	forwarded   bool
	inProgress  bool
	acksNeeded  int
	isWriteback bool
}

// mshrLine is the ordered queue of requests outstanding against one line,
// front-of-line first. Only the front entry is ever actively serviced; the
// rest wait behind it (spec.md §4.2).
type mshrLine struct {
	requests    *list.List // of *mshrEntry
	dataBuf     []byte
	hasData     bool
	dataDirty   bool
}

// MSHR tracks every in-flight line, one mshrLine per address, generalized
// from sarchlab-akita's mem/cache/mshr.MSHR (which holds one *Transaction
// per address with no per-line queue) into an explicit ordered queue per
// spec.md §3/§4.2, since a directory line may legitimately stack several
// waiting requests behind the one being actively serviced.
type MSHR struct {
	lines    map[uint64]*mshrLine
	capacity int // 0 means unbounded
}

// NewMSHR creates an MSHR with the given number of line slots. A capacity
// of 0 means unbounded (Config.mshrCapacity maps a negative
// MSHRNumEntries to 0; Config.Validate rejects MSHRNumEntries == 0).
func NewMSHR(capacity int) *MSHR {
	return &MSHR{
		lines:    make(map[uint64]*mshrLine),
		capacity: capacity,
	}
}

// Exists reports whether addr has any outstanding MSHR activity.
func (m *MSHR) Exists(addr uint64) bool {
	line, ok := m.lines[addr]
	return ok && line.requests.Len() > 0
}

// NumLines returns the number of distinct addresses with an outstanding
// request queue, for the P5 (MSHR bound) invariant. A line kept alive only
// to hold buffered data for a future stable-state hit (handleGetS's S
// branch, which completes from buffered data) does not count against the
// bound, since it holds no pending transaction.
func (m *MSHR) NumLines() int {
	n := 0

	for _, line := range m.lines {
		if line.requests.Len() > 0 {
			n++
		}
	}

	return n
}

// Full reports whether inserting a request for a brand new address would
// exceed mshr_size. Stacking a request behind an existing line's queue is
// always allowed since it does not consume a new slot (spec.md §5), and
// neither does reusing a line kept alive only for its buffered data, since
// either way addr already has a map entry.
func (m *MSHR) Full(addr uint64) bool {
	if m.capacity == 0 {
		return false
	}

	if _, ok := m.lines[addr]; ok {
		return false
	}

	return m.NumLines() >= m.capacity
}

// Insert appends a request to addr's queue, allocating the line if needed.
func (m *MSHR) Insert(addr uint64, msg *proto.Msg) {
	line, ok := m.lines[addr]
	if !ok {
		line = &mshrLine{requests: list.New()}
		m.lines[addr] = line
	}

	line.requests.PushBack(&mshrEntry{event: msg})
}

// InsertWriteback records a writeback (PutS/PutE/PutM/PutX) at the front of
// the queue so it is serviced before any stacked demand request, matching
// spec.md §4.3.1's writeback-drains-first handling.
func (m *MSHR) InsertWriteback(addr uint64, msg *proto.Msg) {
	line, ok := m.lines[addr]
	if !ok {
		line = &mshrLine{requests: list.New()}
		m.lines[addr] = line
	}

	line.requests.PushFront(&mshrEntry{event: msg, isWriteback: true})
}

// FrontEvent returns the request currently being serviced for addr, or nil.
func (m *MSHR) FrontEvent(addr uint64) *proto.Msg {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return nil
	}

	return line.requests.Front().Value.(*mshrEntry).event
}

// FrontType returns the command of the front request, or -1 if none.
func (m *MSHR) FrontType(addr uint64) proto.Cmd {
	e := m.FrontEvent(addr)
	if e == nil {
		return -1
	}

	return e.Cmd
}

// SetInProgress marks the front request of addr as actively being serviced.
func (m *MSHR) SetInProgress(addr uint64, inProgress bool) {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return
	}

	line.requests.Front().Value.(*mshrEntry).inProgress = inProgress
}

// InProgress reports whether the front request of addr is being serviced.
func (m *MSHR) InProgress(addr uint64) bool {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return false
	}

	return line.requests.Front().Value.(*mshrEntry).inProgress
}

// SetForwarded marks the front request as already forwarded downstream, so
// a retry does not forward it a second time.
func (m *MSHR) SetForwarded(addr uint64, forwarded bool) {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return
	}

	line.requests.Front().Value.(*mshrEntry).forwarded = forwarded
}

// Forwarded reports whether the front request has already been forwarded.
func (m *MSHR) Forwarded(addr uint64) bool {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return false
	}

	return line.requests.Front().Value.(*mshrEntry).forwarded
}

// IncAcksNeeded adds delta to the outstanding-ack counter of the front
// request (spec.md §4.3's invalidation fan-out bookkeeping).
func (m *MSHR) IncAcksNeeded(addr uint64, delta int) {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return
	}

	line.requests.Front().Value.(*mshrEntry).acksNeeded += delta
}

// AcksNeeded returns the outstanding-ack counter of the front request.
func (m *MSHR) AcksNeeded(addr uint64) int {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return 0
	}

	return line.requests.Front().Value.(*mshrEntry).acksNeeded
}

// RemoveFront pops the serviced request off addr's queue, deleting the line
// entirely once its queue empties and it holds no buffered data. A line
// that still has buffered data survives so a later stable-state hit
// (handleGetS's S branch, which completes from buffered data) can serve
// from it without a fresh memory read.
func (m *MSHR) RemoveFront(addr uint64) {
	line, ok := m.lines[addr]
	if !ok || line.requests.Len() == 0 {
		return
	}

	line.requests.Remove(line.requests.Front())

	if line.requests.Len() == 0 && !line.hasData {
		delete(m.lines, addr)
	}
}

// SetData buffers response data for addr's in-flight transaction (used to
// merge a memory fetch with the response eventually sent to the requester).
func (m *MSHR) SetData(addr uint64, data []byte, dirty bool) {
	line, ok := m.lines[addr]
	if !ok {
		return
	}

	line.dataBuf = data
	line.hasData = true
	line.dataDirty = dirty
}

// Data returns the buffered response data for addr, if any.
func (m *MSHR) Data(addr uint64) ([]byte, bool) {
	line, ok := m.lines[addr]
	if !ok {
		return nil, false
	}

	return line.dataBuf, line.hasData
}

// DataDirty reports whether the buffered data for addr is dirty.
func (m *MSHR) DataDirty(addr uint64) bool {
	line, ok := m.lines[addr]
	return ok && line.dataDirty
}

// ClearData drops any buffered data for addr.
func (m *MSHR) ClearData(addr uint64) {
	line, ok := m.lines[addr]
	if !ok {
		return
	}

	line.dataBuf = nil
	line.hasData = false
	line.dataDirty = false
}
