package directory

import (
	"github.com/sarchlab/dirsim/mem/proto"
)

// handleResult tells the arbiter what happened to the event it fed into the
// state machine: consumed (drop it from the buffer; it completed, started a
// transaction, was answered with a NACK because the MSHR was full, or was
// queued in its line's MSHR behind a transaction in flight, to come back
// through retryNext) or stalled (leave it in the buffer to be fed again).
type handleResult int

const (
	resultConsumed handleResult = iota
	resultStalled
)

// handle is the coherence state machine of spec.md §4.3: for msg's command
// and the current state of its line, it either completes the request,
// issues subsidiary traffic and moves the line to a transient state, or
// defers because the line is mid-transition.
//
// Grounded on sarchlab-akita/mem/cache/writeback/mshrstage.go's per-request
// dispatch (one method per request type, all sharing the cache's tag array
// and MSHR), generalized from a private cache's hit/miss pair to a
// directory's full cardinal-transition table.
func (c *Comp) handle(msg *proto.Msg) handleResult {
	addr := msg.BaseAddr
	entry := c.store.GetOrCreate(addr)

	if !entry.Cached {
		// A fill's own response must still reach completeEntryFill via
		// handleResponse even though the entry won't read as cached again
		// until Fill runs inside it; only fresh requests stall behind the
		// in-flight fill.
		if msg.Cmd.IsResponse() {
			return c.handleResponse(msg, entry)
		}

		return c.handleUncachedEntry(msg, entry)
	}

	c.stats.EntryCacheHits++
	c.store.Access(addr)
	c.maybeSpillEntry()
	c.stats.recordRequest(msg.Cmd)

	if msg.Cmd.IsResponse() {
		return c.handleResponse(msg, entry)
	}

	if _, seen := c.startTimes[msg.ID]; !seen {
		c.startTimes[msg.ID] = c.now()
	}

	if entry.State.IsStable() {
		return c.handleStableRequest(msg, entry)
	}

	return c.handleRace(msg, entry)
}

// handleUncachedEntry implements spec.md §4.1's retrieve_dir_entry: a
// spilled entry must be read back from memory before any request against
// it can proceed.
func (c *Comp) handleUncachedEntry(msg *proto.Msg, entry *Entry) handleResult {
	c.stats.EntryCacheMisses++

	if entry.State.IsDataTransient() {
		c.mshr.Insert(entry.BaseAddr, msg)
		return resultConsumed
	}

	target := map[State]State{I: Id, S: Sd, M: Md}[entry.State]
	entry.State = target

	c.mshr.Insert(entry.BaseAddr, msg)

	fill := proto.Builder{}.
		WithCmd(proto.GetS).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(entry.BaseAddr).
		WithRoutingAddr(c.entryRoutingAddr(entry.BaseAddr)).
		WithDirAccess(true).
		Build()
	c.router.sendToMem(c.now(), fill, true)

	return resultConsumed
}

// entryRoutingAddr is the address the spilled entry was (and will be) read
// back from. Per spec.md §9's recorded open-question decision, every
// spilled entry is written to the same conventional address regardless of
// the evicted line's own address, so the read-back targets that same
// constant rather than the line's real address.
func (c *Comp) entryRoutingAddr(_ uint64) uint64 {
	return spillEntryAddr
}

func (c *Comp) handleStableRequest(msg *proto.Msg, entry *Entry) handleResult {
	front := c.mshr.FrontEvent(entry.BaseAddr)

	// front == msg happens when retryNext just handed this exact request
	// back for reconsideration (its line went stable while msg was still
	// its own queued entry): pull it out so the dispatch below inserts it
	// fresh, appropriate to whatever transition it is about to start,
	// instead of stacking a duplicate copy behind itself.
	if front == msg {
		c.mshr.RemoveFront(entry.BaseAddr)
	} else if front != nil {
		if c.mshr.Full(entry.BaseAddr) {
			c.nack(msg)
			return resultConsumed
		}

		c.mshr.Insert(entry.BaseAddr, msg)
		return resultConsumed
	}

	switch msg.Cmd {
	case proto.GetS:
		return c.handleGetS(msg, entry)
	case proto.GetX, proto.GetSX:
		return c.handleGetX(msg, entry)
	case proto.Write:
		return c.handleWrite(msg, entry)
	case proto.PutS, proto.PutE, proto.PutM, proto.PutX:
		return c.handlePut(msg, entry)
	case proto.FetchInv, proto.ForceInv:
		return c.handleFetchInv(msg, entry)
	case proto.FlushLine, proto.FlushLineInv:
		return c.handleFlush(msg, entry)
	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "unhandled command in stable state")
		return resultConsumed
	}
}

func (c *Comp) handleGetS(msg *proto.Msg, entry *Entry) handleResult {
	switch entry.State {
	case I:
		entry.State = IS
		c.mshr.Insert(entry.BaseAddr, msg)
		c.mshr.SetInProgress(entry.BaseAddr, true)
		c.issueMemRead(entry.BaseAddr, proto.GetS)

		return resultConsumed

	case S:
		if data, ok := c.mshr.Data(entry.BaseAddr); ok {
			entry.AddSharer(string(msg.Src))
			c.respond(msg, proto.GetSResp, data, false)
			return resultConsumed
		}

		entry.State = SD
		c.mshr.Insert(entry.BaseAddr, msg)
		c.issueMemRead(entry.BaseAddr, proto.GetS)

		return resultConsumed

	case M:
		entry.State = MInvX
		c.mshr.Insert(entry.BaseAddr, msg)
		c.fetch(proto.FetchInvX, entry)

		return resultConsumed

	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "GetS in unexpected stable state")
		return resultConsumed
	}
}

func (c *Comp) handleGetX(msg *proto.Msg, entry *Entry) handleResult {
	requester := string(msg.Src)

	switch entry.State {
	case I:
		entry.State = IM
		c.mshr.Insert(entry.BaseAddr, msg)
		c.issueMemRead(entry.BaseAddr, proto.GetX)

		return resultConsumed

	case S:
		others := otherSharers(entry, requester)

		if len(others) == 0 && entry.IsSharer(requester) {
			entry.RemoveSharer(requester)
			entry.Owner = requester
			entry.State = M
			c.respondHit(msg, proto.GetXResp, entry)

			return resultConsumed
		}

		c.mshr.Insert(entry.BaseAddr, msg)

		if entry.IsSharer(requester) {
			entry.State = SInv
		} else if _, ok := c.mshr.Data(entry.BaseAddr); ok {
			entry.State = SInv
		} else {
			entry.State = SMInv
			c.issueMemRead(entry.BaseAddr, proto.GetX)
		}

		c.invalidateSharers(entry, others)

		return resultConsumed

	case M:
		entry.State = MInv
		c.mshr.Insert(entry.BaseAddr, msg)
		c.fetch(proto.FetchInv, entry)

		return resultConsumed

	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "GetX in unexpected stable state")
		return resultConsumed
	}
}

func (c *Comp) handleWrite(msg *proto.Msg, entry *Entry) handleResult {
	switch entry.State {
	case I:
		entry.State = IM
		c.mshr.Insert(entry.BaseAddr, msg)
		c.forwardWrite(entry.BaseAddr, msg)

		return resultConsumed

	case S:
		entry.State = SInv
		c.mshr.Insert(entry.BaseAddr, msg)
		c.invalidateSharers(entry, entry.SortedSharers())

		return resultConsumed

	case M:
		entry.State = MInv
		c.mshr.Insert(entry.BaseAddr, msg)
		c.fetch(proto.FetchInv, entry)

		return resultConsumed

	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "Write in unexpected stable state")
		return resultConsumed
	}
}

func (c *Comp) handleFetchInv(msg *proto.Msg, entry *Entry) handleResult {
	switch entry.State {
	case I:
		c.respond(msg, proto.AckInv, nil, false)
		return resultConsumed

	case S:
		entry.State = SInv
		c.mshr.InsertWriteback(entry.BaseAddr, msg)
		c.invalidateSharers(entry, entry.SortedSharers())

		return resultConsumed

	case M:
		entry.State = MInv
		c.mshr.InsertWriteback(entry.BaseAddr, msg)
		c.fetch(msg.Cmd, entry)

		return resultConsumed

	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "FetchInv/ForceInv in unexpected stable state")
		return resultConsumed
	}
}

// handlePut implements spec.md §4.3.1.
func (c *Comp) handlePut(msg *proto.Msg, entry *Entry) handleResult {
	sender := string(msg.Src)
	c.stats.WritebacksReceived++

	switch msg.Cmd {
	case proto.PutS:
		if !entry.IsSharer(sender) {
			raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "PutS from non-sharer")
		}

		entry.RemoveSharer(sender)

	case proto.PutE:
		c.requireOwner(entry, sender, msg.Cmd)
		entry.Owner = ""

	case proto.PutM:
		c.requireOwner(entry, sender, msg.Cmd)
		entry.Owner = ""
		c.writebackToMemory(entry.BaseAddr, msg.Payload)

	case proto.PutX:
		c.requireOwner(entry, sender, msg.Cmd)
		entry.Owner = ""
		entry.AddSharer(sender)
		entry.State = S
		c.writebackToMemory(entry.BaseAddr, msg.Payload)
	}

	if entry.IsEmpty() && entry.State != S {
		entry.State = I
	}

	c.ackPut(msg)
	c.maybeForget(entry)

	return resultConsumed
}

func (c *Comp) requireOwner(entry *Entry, sender string, cmd proto.Cmd) {
	if entry.Owner != sender {
		raiseProtocolViolation(entry.BaseAddr, entry.State, cmd, "Put from non-owner")
	}
}

// handleFlush implements spec.md §4.3.2: honored only in stable states.
func (c *Comp) handleFlush(msg *proto.Msg, entry *Entry) handleResult {
	if !entry.State.IsStable() {
		return resultStalled
	}

	if entry.State == M && entry.Owner != "" && entry.Owner != string(msg.Src) {
		entry.State = IB
		c.mshr.Insert(entry.BaseAddr, msg)
		c.fetch(proto.FetchInv, entry)

		return resultConsumed
	}

	if msg.Evict && len(msg.Payload) > 0 {
		c.writebackToMemory(entry.BaseAddr, msg.Payload)
	}

	if msg.Cmd == proto.FlushLineInv {
		entry.RemoveSharer(string(msg.Src))
		if entry.Owner == string(msg.Src) {
			entry.Owner = ""
		}

		if entry.IsEmpty() {
			entry.State = I
		}
	}

	c.respond(msg, proto.FlushLineResp, nil, false)
	c.maybeForget(entry)

	return resultConsumed
}

// handleResponse implements spec.md §4.3's "Transient completion rules".
func (c *Comp) handleResponse(msg *proto.Msg, entry *Entry) handleResult {
	// AckPut only ever answers a directory-initiated writeback to backing
	// memory (writebackToMemory, maybeSpillEntry's spill write). No
	// transient-completion rule ever consumes it, so once the writeback that
	// triggered it has already been applied locally there is nothing left
	// to do with the ack itself.
	if msg.Cmd == proto.AckPut {
		return resultConsumed
	}

	switch entry.State {
	case IS:
		return c.completeIS(msg, entry)
	case IM:
		return c.completeIM(msg, entry)
	case SD:
		return c.completeSD(msg, entry)
	case SInv, SBInv, SDInv, SMInv, MInv:
		return c.completeInvTransient(msg, entry)
	case MInvX:
		return c.completeMInvX(msg, entry)
	case IB, SB:
		return c.completeFlushWait(msg, entry)
	case Id, Sd, Md:
		return c.completeEntryFill(msg, entry)
	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "response arrived with no matching transient state")
		return resultConsumed
	}
}

func (c *Comp) completeIS(msg *proto.Msg, entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)
	requester := string(req.Src)

	if c.incoherentSrc[requester] {
		entry.State = I
		c.respond(req, proto.GetSResp, msg.Payload, false)
		c.mshr.RemoveFront(entry.BaseAddr)
		c.retryNext(entry.BaseAddr)

		return resultConsumed
	}

	entry.State = S
	entry.AddSharer(requester)

	respCmd := proto.GetSResp
	if c.cfg.Protocol == MESI && entry.SharerCount() == 1 {
		entry.State = M
		entry.Owner = requester
		entry.RemoveSharer(requester)
		respCmd = proto.GetXResp
	}

	c.respond(req, respCmd, msg.Payload, false)
	c.mshr.RemoveFront(entry.BaseAddr)
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

func (c *Comp) completeIM(msg *proto.Msg, entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)

	if req.Cmd == proto.Write {
		entry.State = I
		c.respond(req, proto.WriteResp, nil, false)
	} else {
		entry.State = M
		entry.Owner = string(req.Src)
		c.respond(req, proto.GetXResp, msg.Payload, false)
	}

	c.mshr.RemoveFront(entry.BaseAddr)
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

func (c *Comp) completeSD(msg *proto.Msg, entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)

	entry.State = S
	entry.AddSharer(string(req.Src))
	c.mshr.SetData(entry.BaseAddr, msg.Payload, msg.Dirty)

	c.respond(req, proto.GetSResp, msg.Payload, false)
	c.mshr.RemoveFront(entry.BaseAddr)
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

func (c *Comp) completeMInvX(msg *proto.Msg, entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)
	prevOwner := entry.Owner

	entry.Owner = ""
	entry.State = S
	entry.AddSharer(prevOwner)
	entry.AddSharer(string(req.Src))
	c.mshr.SetData(entry.BaseAddr, msg.Payload, msg.Dirty)

	if msg.Dirty {
		c.writebackToMemory(entry.BaseAddr, msg.Payload)
	}

	c.respond(req, proto.GetSResp, msg.Payload, false)
	c.mshr.RemoveFront(entry.BaseAddr)
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

func (c *Comp) completeInvTransient(msg *proto.Msg, entry *Entry) handleResult {
	switch msg.Cmd {
	case proto.AckInv, proto.FetchResp, proto.PutS:
		c.mshr.IncAcksNeeded(entry.BaseAddr, -1)

		if fr := msg.Cmd == proto.FetchResp; fr {
			c.mshr.SetData(entry.BaseAddr, msg.Payload, msg.Dirty)
		}

	case proto.GetXResp:
		if entry.State != SMInv {
			raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "GetXResp outside SM_Inv's data fetch")
		}

		// The exclusive fetch SM_Inv issued alongside its invalidations has
		// landed: buffer the data and drop to S_Inv to await whatever
		// invalidation acks are still outstanding (spec.md §4.3's "SM_Inv +
		// GetXResp: enter S_Inv, buffer data; await remaining acks").
		entry.State = SInv
		c.mshr.SetData(entry.BaseAddr, msg.Payload, msg.Dirty)

	default:
		raiseProtocolViolation(entry.BaseAddr, entry.State, msg.Cmd, "unexpected ack in invalidation-wait state")
	}

	if entry.State == SMInv || c.mshr.AcksNeeded(entry.BaseAddr) > 0 {
		return resultConsumed
	}

	return c.collapseInvTransient(entry)
}

func (c *Comp) collapseInvTransient(entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)
	data, hasData := c.mshr.Data(entry.BaseAddr)

	// SM_Inv never reaches here: completeInvTransient always flips it to
	// S_Inv once the memory data fetch lands, before the ack count can
	// drop to zero and trigger this collapse.
	switch entry.State {
	case SInv:
		entry.State = M
		entry.Owner = string(req.Src)
		entry.Sharers = map[string]bool{}
		c.respond(req, proto.GetXResp, data, false)

	case MInv:
		entry.State = M
		entry.Owner = string(req.Src)
		if req.Cmd == proto.Write {
			entry.State = I
			entry.Owner = ""
			c.respond(req, proto.WriteResp, nil, false)
		} else {
			c.respond(req, proto.GetXResp, data, false)
		}

	default:
		entry.State = I
		c.respond(req, proto.AckInv, nil, false)
	}

	_ = hasData
	c.mshr.ClearData(entry.BaseAddr)
	c.mshr.RemoveFront(entry.BaseAddr)
	c.maybeForget(entry)
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

func (c *Comp) completeFlushWait(msg *proto.Msg, entry *Entry) handleResult {
	req := c.mshr.FrontEvent(entry.BaseAddr)

	entry.State = I
	c.respond(req, proto.FlushLineResp, nil, false)
	c.mshr.RemoveFront(entry.BaseAddr)
	c.maybeForget(entry)
	c.retryNext(entry.BaseAddr)

	_ = msg

	return resultConsumed
}

// completeEntryFill collapses *_d transients once the entry's own data has
// been read back from memory (spec.md §4.1's retrieve_dir_entry).
func (c *Comp) completeEntryFill(_ *proto.Msg, entry *Entry) handleResult {
	collapse := map[State]State{Id: I, Sd: S, Md: M}
	entry.State = collapse[entry.State]

	c.store.Fill(entry.BaseAddr)
	c.stats.EntryFills++
	c.retryNext(entry.BaseAddr)

	return resultConsumed
}

// handleRace implements spec.md §4.3's "Race" outcome: an event reaching a
// transient-state line is queued behind the one already in flight.
func (c *Comp) handleRace(msg *proto.Msg, entry *Entry) handleResult {
	if c.mshr.Full(entry.BaseAddr) {
		c.nack(msg)
		return resultConsumed
	}

	c.mshr.Insert(entry.BaseAddr, msg)

	return resultConsumed
}

func otherSharers(entry *Entry, requester string) []string {
	out := make([]string, 0, entry.SharerCount())

	for _, s := range entry.SortedSharers() {
		if s != requester {
			out = append(out, s)
		}
	}

	return out
}

func (c *Comp) maybeForget(entry *Entry) {
	if entry.State == I && entry.IsEmpty() && !c.mshr.Exists(entry.BaseAddr) {
		c.store.Forget(entry.BaseAddr)
	}
}

// retryNext pushes the new MSHR head (if any) into the retry buffer so the
// arbiter reconsiders it next cycle, per spec.md §4.4's retry discipline.
func (c *Comp) retryNext(addr uint64) {
	if ev := c.mshr.FrontEvent(addr); ev != nil {
		c.retryBuffer = append(c.retryBuffer, ev)
	}
}
