package directory

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dirsim/mem/portmap"
	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

// testRequester is a minimal scripted cache agent: sendReq queues one
// request to issue on its next Tick, and every response it receives is
// appended to Received. Grounded on cmd/dirsim/agent.go's cpuAgent, trimmed
// to the one-request-at-a-time shape these scenarios need.
type testRequester struct {
	*sim.TickingComponent

	ports map[string]sim.Port
	port  sim.Port

	pending   *scriptedSend
	waitingID string
	Received  []*proto.Msg
}

type scriptedSend struct {
	cmd proto.Cmd
	addr uint64
	dst sim.RemotePort
}

func newTestRequester(name string, engine sim.Engine, freq sim.Freq) *testRequester {
	a := &testRequester{ports: make(map[string]sim.Port)}
	a.TickingComponent = sim.NewTickingComponent(name, engine, freq, a)
	a.port = sim.NewPort(a, 4, 4, name+".Port")
	a.AddPort("Port", a.port)

	return a
}

func (a *testRequester) AddPort(name string, port sim.Port) { a.ports[name] = port }
func (a *testRequester) GetPortByName(name string) sim.Port { return a.ports[name] }
func (a *testRequester) Ports() []sim.Port {
	list := make([]sim.Port, 0, len(a.ports))
	for _, p := range a.ports {
		list = append(list, p)
	}

	return list
}

func (a *testRequester) NotifyRecv(_ sim.Port)     { a.TickLater() }
func (a *testRequester) NotifyPortFree(_ sim.Port) { a.TickLater() }

// sendReq queues req to be issued the next time the engine ticks this
// component.
func (a *testRequester) sendReq(cmd proto.Cmd, addr uint64, dst sim.RemotePort) {
	a.pending = &scriptedSend{cmd: cmd, addr: addr, dst: dst}
	a.TickLater()
}

func (a *testRequester) Tick() bool {
	madeProgress := false

	if msg := a.port.PeekIncoming(); msg != nil {
		req := msg.(*proto.Msg)

		if req.Cmd == proto.Inv {
			ack := proto.Builder{}.
				WithCmd(proto.AckInv).
				WithSrc(a.port.AsRemote()).
				WithDst(req.Src).
				WithBaseAddr(req.BaseAddr).
				WithResponseToID(req.ID).
				Build()

			if a.port.Send(ack) != nil {
				return madeProgress
			}
		}

		a.port.RetrieveIncoming()
		a.Received = append(a.Received, req)

		if req.Cmd != proto.Inv {
			a.waitingID = ""
		}

		madeProgress = true
	}

	if a.pending != nil && a.waitingID == "" {
		req := proto.Builder{}.
			WithCmd(a.pending.cmd).
			WithSrc(a.port.AsRemote()).
			WithDst(a.pending.dst).
			WithAddr(a.pending.addr).
			WithBaseAddr(a.pending.addr).
			WithRoutingAddr(a.pending.addr).
			Build()

		if a.port.Send(req) == nil {
			a.waitingID = req.ID
			a.pending = nil
			madeProgress = true
		}
	}

	return madeProgress
}

// testResponder is a minimal scripted backing-memory responder, grounded on
// cmd/dirsim/agent.go's memAgent: it answers every request with the
// matching response/ack and records how many of each command it has seen.
type testResponder struct {
	*sim.TickingComponent

	ports map[string]sim.Port
	port  sim.Port

	ReceivedCmds []proto.Cmd
}

var responderReplyFor = map[proto.Cmd]proto.Cmd{
	proto.GetS:  proto.GetSResp,
	proto.GetX:  proto.GetXResp,
	proto.Write: proto.WriteResp,
	proto.PutS:  proto.AckPut,
	proto.PutE:  proto.AckPut,
	proto.PutM:  proto.AckPut,
	proto.PutX:  proto.AckPut,
}

func newTestResponder(name string, engine sim.Engine, freq sim.Freq) *testResponder {
	m := &testResponder{ports: make(map[string]sim.Port)}
	m.TickingComponent = sim.NewTickingComponent(name, engine, freq, m)
	m.port = sim.NewPort(m, 4, 4, name+".Port")
	m.AddPort("Port", m.port)

	return m
}

func (m *testResponder) AddPort(name string, port sim.Port) { m.ports[name] = port }
func (m *testResponder) GetPortByName(name string) sim.Port { return m.ports[name] }
func (m *testResponder) Ports() []sim.Port {
	list := make([]sim.Port, 0, len(m.ports))
	for _, p := range m.ports {
		list = append(list, p)
	}

	return list
}

func (m *testResponder) NotifyRecv(_ sim.Port)     { m.TickLater() }
func (m *testResponder) NotifyPortFree(_ sim.Port) { m.TickLater() }

func (m *testResponder) Tick() bool {
	msg := m.port.PeekIncoming()
	if msg == nil {
		return false
	}

	req := msg.(*proto.Msg)

	respCmd, ok := responderReplyFor[req.Cmd]
	if !ok {
		return false
	}

	rsp := proto.Builder{}.
		WithCmd(respCmd).
		WithSrc(m.port.AsRemote()).
		WithDst(req.Src).
		WithBaseAddr(req.BaseAddr).
		WithResponseToID(req.ID).
		WithPayload([]byte{1, 2, 3, 4}).
		Build()

	if m.port.Send(rsp) != nil {
		return false
	}

	m.port.RetrieveIncoming()
	m.ReceivedCmds = append(m.ReceivedCmds, req.Cmd)

	return true
}

// harness wires one directory controller between a memory-side responder
// and any number of cpu-side requesters, mirroring cmd/dirsim/main.go's
// wiring but parameterized over the requester count these scenarios need.
type harness struct {
	engine  *sim.SerialEngine
	dir     *Comp
	mem     *testResponder
	cores   []*testRequester
}

func newHarness(numCores int) *harness {
	return newHarnessWithOpts(numCores, MESI, 0)
}

// newHarnessWithOpts is newHarness generalized over the protocol and
// entry-cache size, for scenarios that need MSI's lack of single-sharer
// auto-upgrade or a bounded entry cache to force a spill.
func newHarnessWithOpts(numCores int, protocol Protocol, entryCacheSize int) *harness {
	engine := sim.NewSerialEngine()
	mapper := &portmap.SinglePortMapper{Port: "Mem.Port"}

	builder := MakeBuilder().
		WithEngine(engine).
		WithFreq(1 * sim.GHz).
		WithProtocol(protocol).
		WithRegion(Region{Start: 0, End: 1 << 20}).
		WithMemAddressMapper(mapper)

	if entryCacheSize > 0 {
		builder = builder.WithEntryCacheSize(entryCacheSize)
	}

	dir := builder.Build("Dir")

	mem := newTestResponder("Mem", engine, 1*sim.GHz)

	cpuConn := sim.NewDirectConnection("CPUConn", engine, 1*sim.GHz)
	cpuConn.PlugIn(dir.GetPortByName("CPU"))

	memConn := sim.NewDirectConnection("MemConn", engine, 1*sim.GHz)
	memConn.PlugIn(mem.GetPortByName("Port"))
	memConn.PlugIn(dir.GetPortByName("Mem"))

	endpoints := []EndpointInfo{{Name: "Mem.Port", IsCPUSide: false}}

	cores := make([]*testRequester, numCores)
	for i := range cores {
		core := newTestRequester(coreName(i), engine, 1*sim.GHz)
		cpuConn.PlugIn(core.GetPortByName("Port"))
		cores[i] = core
		endpoints = append(endpoints, EndpointInfo{
			Name: core.port.AsRemote(), IsCPUSide: true, TracksPresence: true,
		})
	}

	dir.Init(endpoints, nil)
	mem.TickNow()

	return &harness{engine: engine, dir: dir, mem: mem, cores: cores}
}

func coreName(i int) string {
	return string([]byte{'C', 'o', 'r', 'e', byte('A' + i)})
}

var _ = ginkgo.Describe("Comp coherence scenarios", func() {
	ginkgo.It("R1: a second GetS from the same agent and a first GetS from a new sharer both hit without new memory traffic", func() {
		h := newHarnessWithOpts(2, MSI, 0)
		coreA, coreB := h.cores[0], h.cores[1]

		coreA.sendReq(proto.GetS, 0x40, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(1))
		Expect(coreA.Received[0].Cmd).To(Equal(proto.GetSResp))
		Expect(h.mem.ReceivedCmds).To(Equal([]proto.Cmd{proto.GetS}))

		entry, ok := h.dir.store.Lookup(0x40)
		Expect(ok).To(BeTrue())
		Expect(entry.State).To(Equal(S))
		Expect(entry.IsSharer("CoreA.Port")).To(BeTrue())

		coreA.sendReq(proto.GetS, 0x40, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(2))
		Expect(coreA.Received[1].Cmd).To(Equal(proto.GetSResp))
		Expect(h.mem.ReceivedCmds).To(
			Equal([]proto.Cmd{proto.GetS}),
			"a repeat GetS from an existing sharer must not touch memory",
		)

		coreB.sendReq(proto.GetS, 0x40, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreB.Received).To(HaveLen(1))
		Expect(coreB.Received[0].Cmd).To(Equal(proto.GetSResp))
		Expect(h.mem.ReceivedCmds).To(
			Equal([]proto.Cmd{proto.GetS}),
			"a new sharer's GetS must be served from the buffered S-state data",
		)
		Expect(entry.IsSharer("CoreB.Port")).To(BeTrue())
	})

	ginkgo.It("upgrades a sole sharer's GetX to M without any invalidation traffic", func() {
		h := newHarnessWithOpts(1, MSI, 0)
		coreA := h.cores[0]

		coreA.sendReq(proto.GetS, 0x80, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())
		Expect(coreA.Received).To(HaveLen(1))

		coreA.sendReq(proto.GetX, 0x80, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(2))
		Expect(coreA.Received[1].Cmd).To(Equal(proto.GetXResp))
		Expect(h.mem.ReceivedCmds).To(
			Equal([]proto.Cmd{proto.GetS}),
			"a sole sharer's upgrade must not generate invalidation or memory traffic",
		)

		entry, _ := h.dir.store.Lookup(0x80)
		Expect(entry.State).To(Equal(M))
		Expect(entry.Owner).To(Equal("CoreA.Port"))
		Expect(entry.SharerCount()).To(Equal(0))
	})

	ginkgo.It("misses to memory and transitions I to M on a GetX to a fresh line", func() {
		h := newHarness(1)
		coreA := h.cores[0]

		coreA.sendReq(proto.GetX, 0xC0, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(1))
		Expect(coreA.Received[0].Cmd).To(Equal(proto.GetXResp))
		Expect(h.mem.ReceivedCmds).To(Equal([]proto.Cmd{proto.GetX}))

		entry, _ := h.dir.store.Lookup(0xC0)
		Expect(entry.State).To(Equal(M))
		Expect(entry.Owner).To(Equal("CoreA.Port"))
	})

	ginkgo.It("fetches data and awaits invalidation acks on a non-sharer GetX to an S line (SM_Inv)", func() {
		h := newHarnessWithOpts(2, MSI, 0)
		coreA, coreB := h.cores[0], h.cores[1]

		coreA.sendReq(proto.GetS, 0x100, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(1))
		Expect(coreA.Received[0].Cmd).To(Equal(proto.GetSResp))

		entry, ok := h.dir.store.Lookup(0x100)
		Expect(ok).To(BeTrue())
		Expect(entry.State).To(Equal(S))
		Expect(entry.IsSharer("CoreA.Port")).To(BeTrue())

		coreB.sendReq(proto.GetX, 0x100, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(h.mem.ReceivedCmds).To(
			Equal([]proto.Cmd{proto.GetS, proto.GetX}),
			"a non-sharer GetX to an S line must both invalidate the sharer and fetch data from memory",
		)

		invs := 0
		for _, m := range coreA.Received {
			if m.Cmd == proto.Inv {
				invs++
			}
		}
		Expect(invs).To(Equal(1), "the existing sharer must be sent exactly one invalidation")

		Expect(coreB.Received).To(HaveLen(1))
		Expect(coreB.Received[0].Cmd).To(Equal(proto.GetXResp))

		Expect(entry.State).To(Equal(M))
		Expect(entry.Owner).To(Equal("CoreB.Port"))
		Expect(entry.SharerCount()).To(Equal(0))
	})

	ginkgo.It("spills the coldest resident entry once entry_cache_size is exceeded and refills it on next access", func() {
		h := newHarnessWithOpts(2, MSI, 1)
		coreA, coreB := h.cores[0], h.cores[1]

		coreA.sendReq(proto.GetS, 0x200, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())
		Expect(coreA.Received).To(HaveLen(1))

		entryX, ok := h.dir.store.Lookup(0x200)
		Expect(ok).To(BeTrue())
		Expect(entryX.Cached).To(BeTrue())

		coreB.sendReq(proto.GetS, 0x240, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())
		Expect(coreB.Received).To(HaveLen(1))

		Expect(entryX.Cached).To(BeFalse(),
			"0x200 must spill once 0x240 pushes the resident count past entry_cache_size=1")
		Expect(h.dir.stats.EntrySpills).To(Equal(int64(1)))

		coreA.sendReq(proto.GetS, 0x200, "Dir.CPUPort")
		Expect(h.engine.Run()).To(Succeed())

		Expect(coreA.Received).To(HaveLen(2))
		Expect(coreA.Received[1].Cmd).To(Equal(proto.GetSResp))
		Expect(entryX.Cached).To(BeTrue(), "accessing 0x200 again must refill it from backing memory")
		Expect(h.dir.stats.EntryFills).To(Equal(int64(1)))
		Expect(h.dir.stats.EntryCacheMisses).To(Equal(int64(1)))

		Expect(h.mem.ReceivedCmds).To(Equal([]proto.Cmd{
			proto.GetS, proto.PutE, proto.GetS, // 0x200 fetch, 0x200 spill, 0x240 fetch
			proto.GetS, proto.PutE, proto.GetS, // 0x200 entry refill, 0x240 spill, 0x200 data refetch
		}), "0x240 spills in turn once it becomes the coldest resident entry")
	})
})
