package directory

import (
	"math/rand/v2"
	"time"

	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

// Comp is the directory controller: a sim.TickingComponent wiring together
// the Store, MSHR, router, and coherence state machine of the other files
// in this package.
//
// Grounded on sarchlab-akita/mem/cache/writeback.Comp: same two-port
// (top/bottom, here cpu/mem) TickingComponent shape, same Tick-drains-
// pipeline-stages idiom, generalized from a private write-back cache's
// tag array and pipeline stages to a directory's entry store and coherence
// state machine.
type Comp struct {
	*sim.TickingComponent

	ports map[string]sim.Port

	cpuPort sim.Port
	memPort sim.Port

	cfg    Config
	log    *logger
	stats  *Stats
	store  *Store
	mshr   *MSHR
	router *router
	rng    *rand.Rand

	incoherentSrc map[string]bool
	waitWBAck     map[string]bool

	noncacheMemReqs map[string]sim.RemotePort

	startTimes map[string]sim.VTimeInSec

	eventBuffer    []*proto.Msg
	retryBuffer    []*proto.Msg
	addrsThisCycle map[uint64]bool

	initDone bool
}

// AddPort adds a port under name, satisfying sim.PortOwner.
func (c *Comp) AddPort(name string, port sim.Port) {
	if _, found := c.ports[name]; found {
		panic("port already exists")
	}

	c.ports[name] = port
}

// GetPortByName returns the port registered under name.
func (c *Comp) GetPortByName(name string) sim.Port {
	port, found := c.ports[name]
	if !found {
		panic("port not found: " + name)
	}

	return port
}

// Ports returns every port owned by the controller.
func (c *Comp) Ports() []sim.Port {
	list := make([]sim.Port, 0, len(c.ports))
	for _, p := range c.ports {
		list = append(list, p)
	}

	return list
}

func (c *Comp) now() sim.VTimeInSec {
	return c.Engine.CurrentTime()
}

// NotifyRecv is called by a port when a message arrives; it wakes the
// clock loop the way sim.TickingComponent's default does, but the
// controller also needs its own override because Comp embeds
// *sim.TickingComponent only for Tick scheduling, not for port ownership.
func (c *Comp) NotifyRecv(port sim.Port) {
	c.TickLater()
}

// NotifyPortFree wakes the clock loop so queued outgoing traffic can drain.
func (c *Comp) NotifyPortFree(port sim.Port) {
	c.TickLater()
}

// Tick drives one cycle of spec.md §4.4's arbiter and clock loop.
func (c *Comp) Tick() bool {
	now := c.now()
	madeProgress := false

	madeProgress = c.pullIncoming(c.cpuPort) || madeProgress
	madeProgress = c.pullIncoming(c.memPort) || madeProgress

	// Draining up to half a cycle ahead sends everything due this cycle
	// even when now+latency landed a rounding error past the tick time, and
	// traffic still queued keeps the clock running until it has gone out.
	c.router.cpuQueue.drain(c.Freq.HalfTick(now))
	c.router.memQueue.drain(c.Freq.HalfTick(now))

	processed := c.drainBuffers(now)
	madeProgress = madeProgress || processed > 0
	madeProgress = madeProgress || c.router.cpuQueue.Len() > 0 ||
		c.router.memQueue.Len() > 0

	if processed > 0 {
		c.stats.CyclesActive++
	} else {
		c.stats.CyclesIdle++
	}

	return madeProgress
}

// pullIncoming moves every message waiting on port into eventBuffer,
// spec.md §5's "processed in the order handle_incoming appended them".
func (c *Comp) pullIncoming(port sim.Port) bool {
	moved := false

	for {
		msg := port.PeekIncoming()
		if msg == nil {
			break
		}

		port.RetrieveIncoming()

		m, ok := msg.(*proto.Msg)
		if !ok {
			raiseProtocolViolation(0, I, -1, "non-directory message received")
		}

		if c.isNoncacheable(m) {
			c.handleNoncacheable(m)
		} else {
			c.eventBuffer = append(c.eventBuffer, m)
		}

		moved = true
	}

	return moved
}

// drainBuffers implements spec.md §4.4 steps 3-4: retryBuffer first, then
// eventBuffer, bounded by max_requests_per_cycle and one event per address.
func (c *Comp) drainBuffers(now sim.VTimeInSec) int {
	c.addrsThisCycle = make(map[uint64]bool)
	processed := 0

	processed += c.drainOne(&c.retryBuffer, now)
	processed += c.drainOne(&c.eventBuffer, now)

	return processed
}

func (c *Comp) drainOne(buf *[]*proto.Msg, now sim.VTimeInSec) int {
	processed := 0
	remaining := make([]*proto.Msg, 0, len(*buf))

	for _, msg := range *buf {
		if c.cfg.MaxReqsPerCycle > 0 && processed >= c.cfg.MaxReqsPerCycle {
			remaining = append(remaining, msg)
			continue
		}

		if c.addrsThisCycle[msg.BaseAddr] {
			remaining = append(remaining, msg)
			continue
		}

		if c.handle(msg) == resultStalled {
			remaining = append(remaining, msg)
			continue
		}

		c.addrsThisCycle[msg.BaseAddr] = true
		processed++
	}

	*buf = remaining

	return processed
}

// issueMemRead sends a memory read for a line miss, tagged with the same
// command driving the fetch: GetS for a read-only miss, GetX for a miss
// that must arrive exclusive (spec.md §4.3's transient-completion rules key
// off this to know whether the eventual response is a GetSResp or a
// GetXResp).
func (c *Comp) issueMemRead(addr uint64, cmd proto.Cmd) {
	req := proto.Builder{}.
		WithCmd(cmd).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(addr).
		WithRoutingAddr(c.memRoutingAddr(addr)).
		Build()

	c.mshr.SetInProgress(addr, true)
	c.router.sendToMem(c.now(), req, false)
}

func (c *Comp) memRoutingAddr(addr uint64) uint64 {
	if addr < c.cfg.MemAddrStart {
		return addr
	}

	return addr - c.cfg.MemAddrStart
}

// maybeSpillEntry implements spec.md §4.1's entry-cache eviction: once the
// resident set exceeds entry_cache_size, the coldest stable line with no
// live MSHR work is written back to the fixed spill address and marked
// uncached, freeing the slot the request that just ran GetOrCreate consumed.
// A line with outstanding MSHR work is never a candidate, so the entry
// cache never blocks progress on it (spec.md §5); if every resident line is
// mid-transaction, spilling is simply skipped and retried on a later cycle.
func (c *Comp) maybeSpillEntry() {
	if !c.store.OverCapacity() {
		return
	}

	addr, ok := c.store.SpillVictim(func(a uint64) bool {
		return !c.mshr.Exists(a)
	})
	if !ok {
		return
	}

	c.stats.EntrySpills++
	c.log.debugf(addr, "spilled entry addr=0x%x, resident=%d", addr, c.store.ResidentCount())

	spill := proto.Builder{}.
		WithCmd(proto.PutE).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(addr).
		WithRoutingAddr(c.entryRoutingAddr(addr)).
		WithDirAccess(true).
		WithFlags(proto.NoResponse).
		Build()

	c.router.sendToMem(c.now(), spill, true)
}

// forwardWrite forwards a Write request to memory verbatim (spec.md §4.3's
// "Write: no line granularity").
func (c *Comp) forwardWrite(addr uint64, orig *proto.Msg) {
	req := proto.Builder{}.
		WithCmd(proto.Write).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(addr).
		WithRoutingAddr(c.memRoutingAddr(addr)).
		WithPayload(orig.Payload).
		Build()

	c.router.sendToMem(c.now(), req, false)
}

// writebackToMemory sends a PutM-style writeback of payload to memory.
func (c *Comp) writebackToMemory(addr uint64, payload []byte) {
	wb := proto.Builder{}.
		WithCmd(proto.PutM).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(addr).
		WithRoutingAddr(c.memRoutingAddr(addr)).
		WithPayload(payload).
		WithDirty(true).
		Build()

	c.router.sendToMem(c.now(), wb, false)
}

// fetch sends a FetchInv/FetchInvX/ForceInv to the current owner, per
// spec.md §4.3's cardinal transitions table rows for state M.
func (c *Comp) fetch(cmd proto.Cmd, entry *Entry) {
	owner := entry.Owner
	c.stats.FetchesSent++

	req := proto.Builder{}.
		WithCmd(cmd).
		WithSrc(c.cpuPort.AsRemote()).
		WithDst(sim.RemotePort(owner)).
		WithBaseAddr(entry.BaseAddr).
		Build()

	c.mshr.IncAcksNeeded(entry.BaseAddr, 1)
	c.router.sendToCPU(c.now(), req)
}

// invalidateSharers sends Inv to every agent in targets.
func (c *Comp) invalidateSharers(entry *Entry, targets []string) {
	if len(targets) == 0 {
		c.mshr.IncAcksNeeded(entry.BaseAddr, 0)
		return
	}

	for _, sharer := range targets {
		entry.RemoveSharer(sharer)
		c.stats.InvalidationsSent++

		inv := proto.Builder{}.
			WithCmd(proto.Inv).
			WithSrc(c.cpuPort.AsRemote()).
			WithDst(sim.RemotePort(sharer)).
			WithBaseAddr(entry.BaseAddr).
			Build()

		c.mshr.IncAcksNeeded(entry.BaseAddr, 1)
		c.router.sendToCPU(c.now(), inv)
	}
}

// respond sends a response/ack for msg back toward its source, tagged with
// the given command and payload.
func (c *Comp) respond(msg *proto.Msg, cmd proto.Cmd, payload []byte, dirAccess bool) {
	port, ok := c.router.linkForDestination(msg.Src)
	if !ok {
		raiseRoutingFailure(msg.BaseAddr, "no link reachable for response destination "+string(msg.Src))
	}

	rsp := proto.Builder{}.
		WithCmd(cmd).
		WithSrc(port.AsRemote()).
		WithDst(msg.Src).
		WithBaseAddr(msg.BaseAddr).
		WithPayload(payload).
		WithResponseToID(msg.ID).
		WithDirAccess(dirAccess).
		Build()

	if port == c.memPort {
		c.router.sendToMem(c.now(), rsp, dirAccess)
	} else {
		c.router.sendToCPU(c.now(), rsp)
	}

	if start, ok := c.startTimes[msg.ID]; ok {
		elapsed := time.Duration(float64(c.now()-start) * float64(time.Second))
		c.stats.recordLatency(cmd, elapsed)
		delete(c.startTimes, msg.ID)
	}
}

func (c *Comp) respondHit(msg *proto.Msg, cmd proto.Cmd, entry *Entry) {
	data, _ := c.mshr.Data(entry.BaseAddr)
	c.respond(msg, cmd, data, false)
}

// ackPut responds to a writeback with AckPut unless NoResponse was set or
// this link never requires writeback acks.
func (c *Comp) ackPut(msg *proto.Msg) {
	if msg.Flags.Has(proto.NoResponse) {
		return
	}

	if !c.waitWBAck[string(msg.Src)] {
		return
	}

	c.respond(msg, proto.AckPut, nil, false)
}

// nack rejects msg because its line's MSHR is full, spec.md §7 kind 2.
func (c *Comp) nack(msg *proto.Msg) {
	c.stats.MSHRFullNacks++

	port, ok := c.router.linkForDestination(msg.Src)
	if !ok {
		raiseRoutingFailure(msg.BaseAddr, "no link reachable for NACK destination "+string(msg.Src))
	}

	rsp := proto.Builder{}.
		WithCmd(proto.NACK).
		WithSrc(port.AsRemote()).
		WithDst(msg.Src).
		WithBaseAddr(msg.BaseAddr).
		WithResponseToID(msg.ID).
		WithOrigEvent(msg).
		Build()

	if port == c.memPort {
		c.router.sendToMem(c.now(), rsp, false)
	} else {
		c.router.sendToCPU(c.now(), rsp)
	}
}
