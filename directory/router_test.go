package directory

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/dirsim/mem/portmap"
	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

// fakePort is a hand-written Port test double: the outgoing queues under
// test only ever call CanSend/Send on the ports they hold, so a minimal
// double recording what was sent is enough without standing up a real
// connection and peer component.
type fakePort struct {
	name    string
	blocked bool
	sent    []sim.Msg
}

func (p *fakePort) Name() string                    { return p.name }
func (p *fakePort) AcceptHook(_ sim.Hook)            {}
func (p *fakePort) AsRemote() sim.RemotePort         { return sim.RemotePort(p.name) }
func (p *fakePort) SetConnection(_ sim.Connection)   {}
func (p *fakePort) Component() sim.Component         { return nil }
func (p *fakePort) Deliver(_ sim.Msg) *sim.SendError { return nil }
func (p *fakePort) NotifyAvailable()                 {}
func (p *fakePort) RetrieveOutgoing() sim.Msg        { return nil }
func (p *fakePort) PeekOutgoing() sim.Msg            { return nil }
func (p *fakePort) RetrieveIncoming() sim.Msg        { return nil }
func (p *fakePort) PeekIncoming() sim.Msg            { return nil }

func (p *fakePort) CanSend() bool { return !p.blocked }

func (p *fakePort) Send(msg sim.Msg) *sim.SendError {
	if p.blocked {
		return sim.NewSendError()
	}

	p.sent = append(p.sent, msg)

	return nil
}

var _ = ginkgo.Describe("outQueue", func() {
	var (
		port *fakePort
		q    *outQueue
	)

	ginkgo.BeforeEach(func() {
		port = &fakePort{name: "Dst"}
		q = newOutQueue()
	})

	ginkgo.It("should deliver nothing before its deliverAt time", func() {
		q.enqueue(port, proto.Builder{}.WithCmd(proto.GetS).Build(), 5)

		q.drain(1)

		Expect(port.sent).To(BeEmpty())
	})

	ginkgo.It("should deliver in deliverAt order, not insertion order", func() {
		late := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(1).Build()
		early := proto.Builder{}.WithCmd(proto.GetX).WithBaseAddr(2).Build()

		q.enqueue(port, late, 5)
		q.enqueue(port, early, 2)

		q.drain(10)

		Expect(port.sent).To(HaveLen(2))
		Expect(port.sent[0]).To(BeIdenticalTo(sim.Msg(early)))
		Expect(port.sent[1]).To(BeIdenticalTo(sim.Msg(late)))
	})

	ginkgo.It("should preserve FIFO order for items sharing a deliverAt time", func() {
		first := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(1).Build()
		second := proto.Builder{}.WithCmd(proto.GetS).WithBaseAddr(2).Build()

		q.enqueue(port, first, 3)
		q.enqueue(port, second, 3)

		q.drain(3)

		Expect(port.sent[0]).To(BeIdenticalTo(sim.Msg(first)))
		Expect(port.sent[1]).To(BeIdenticalTo(sim.Msg(second)))
	})

	ginkgo.It("should stop at the first refusal, leaving later items queued", func() {
		port.blocked = true
		q.enqueue(port, proto.Builder{}.WithCmd(proto.GetS).Build(), 1)

		q.drain(10)

		Expect(port.sent).To(BeEmpty())
		Expect(q.Len()).To(Equal(1))
	})
})

var _ = ginkgo.Describe("router", func() {
	var (
		cpuPort *fakePort
		memPort *fakePort
		mapper  *portmap.SinglePortMapper
		r       *router
	)

	ginkgo.BeforeEach(func() {
		cpuPort = &fakePort{name: "Dir.CPUPort"}
		memPort = &fakePort{name: "Dir.MemPort"}
		mapper = &portmap.SinglePortMapper{Port: "Mem.Port"}
		r = newRouter(cpuPort, memPort, mapper, 1, 2)
		r.cpuAgents["CoreA.Port"] = true
		r.memAgents["Mem.Port"] = true
	})

	ginkgo.It("should accept a routing address the mapper resolves", func() {
		ok := r.forwardByAddress(0, proto.Builder{}.WithCmd(proto.GetS).Build(), 0x100, false)
		Expect(ok).To(BeTrue())
	})

	ginkgo.It("should reject a routing address the mapper cannot resolve", func() {
		mapper.Port = ""
		ok := r.forwardByAddress(0, proto.Builder{}.WithCmd(proto.GetS).Build(), 0x100, false)
		Expect(ok).To(BeFalse())
	})

	ginkgo.It("should use mshrLatency instead of accessLatency for directory-access traffic", func() {
		r.sendToMem(0, proto.Builder{}.WithCmd(proto.GetS).Build(), true)
		r.memQueue.drain(1)
		Expect(memPort.sent).To(BeEmpty(), "mshrLatency of 2 must not have elapsed yet")

		r.memQueue.drain(2)
		Expect(memPort.sent).To(HaveLen(1))
	})

	ginkgo.It("should forward by destination to the link that learned it as reachable", func() {
		ok := r.forwardByDestination(0, proto.Builder{}.WithCmd(proto.GetSResp).Build(), "CoreA.Port", false)
		Expect(ok).To(BeTrue())

		r.cpuQueue.drain(1)
		Expect(cpuPort.sent).To(HaveLen(1))
	})

	ginkgo.It("should fail to forward to an unreachable destination", func() {
		ok := r.forwardByDestination(0, proto.Builder{}.WithCmd(proto.GetSResp).Build(), "Nowhere.Port", false)
		Expect(ok).To(BeFalse())
	})

	ginkgo.It("should resolve the link that reaches a destination via linkForDestination", func() {
		port, ok := r.linkForDestination("CoreA.Port")
		Expect(ok).To(BeTrue())
		Expect(port).To(BeIdenticalTo(sim.Port(cpuPort)))

		port, ok = r.linkForDestination("Mem.Port")
		Expect(ok).To(BeTrue())
		Expect(port).To(BeIdenticalTo(sim.Port(memPort)))

		_, ok = r.linkForDestination("Nowhere.Port")
		Expect(ok).To(BeFalse())
	})
})
