package main

import (
	"fmt"

	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

// cpuAgent is a minimal scripted requester: it issues a fixed script of
// GetS/GetX requests one at a time, waiting for each response before
// issuing the next, and prints every response it receives.
//
// Grounded on sarchlab-akita/sim/examples/tickingping.Comp's
// send-then-wait shape, generalized from a fixed ping/pong exchange to a
// scripted sequence of coherence requests.
type cpuAgent struct {
	*sim.TickingComponent

	ports map[string]sim.Port
	out   sim.Port

	dst    sim.RemotePort
	script []scriptedReq
	next   int
	waitingID string
}

type scriptedReq struct {
	cmd  proto.Cmd
	addr uint64
}

func newCPUAgent(name string, engine sim.Engine, freq sim.Freq, dst sim.RemotePort, script []scriptedReq) *cpuAgent {
	a := &cpuAgent{ports: make(map[string]sim.Port), dst: dst, script: script}
	a.TickingComponent = sim.NewTickingComponent(name, engine, freq, a)
	a.out = sim.NewPort(a, 4, 4, name+".Port")
	a.AddPort("Port", a.out)

	return a
}

func (a *cpuAgent) AddPort(name string, port sim.Port) { a.ports[name] = port }
func (a *cpuAgent) GetPortByName(name string) sim.Port { return a.ports[name] }
func (a *cpuAgent) Ports() []sim.Port {
	list := make([]sim.Port, 0, len(a.ports))
	for _, p := range a.ports {
		list = append(list, p)
	}

	return list
}

func (a *cpuAgent) NotifyRecv(port sim.Port) { a.TickLater() }
func (a *cpuAgent) NotifyPortFree(port sim.Port) { a.TickLater() }

func (a *cpuAgent) Tick() bool {
	madeProgress := false

	if msg := a.out.PeekIncoming(); msg != nil {
		a.out.RetrieveIncoming()
		resp := msg.(*proto.Msg)
		fmt.Printf("%s: received %s for addr=0x%x\n", a.Name(), resp.Cmd, resp.BaseAddr)
		a.waitingID = ""
		madeProgress = true
	}

	if a.waitingID == "" && a.next < len(a.script) {
		req := a.script[a.next]
		msg := proto.Builder{}.
			WithCmd(req.cmd).
			WithSrc(a.out.AsRemote()).
			WithDst(a.dst).
			WithAddr(req.addr).
			WithBaseAddr(req.addr).
			WithRoutingAddr(req.addr).
			Build()

		if a.out.Send(msg) == nil {
			a.waitingID = msg.ID
			a.next++
			madeProgress = true
		}
	}

	return madeProgress
}

// memAgent is a scripted backing-memory responder: it answers every GetS
// with GetSResp, every Write/PutM/PutX/PutE/PutS with the matching
// acknowledgement, immediately and with no data modeling beyond echoing a
// zeroed payload.
type memAgent struct {
	*sim.TickingComponent

	ports map[string]sim.Port
	in    sim.Port
}

func newMemAgent(name string, engine sim.Engine, freq sim.Freq) *memAgent {
	m := &memAgent{ports: make(map[string]sim.Port)}
	m.TickingComponent = sim.NewTickingComponent(name, engine, freq, m)
	m.in = sim.NewPort(m, 4, 4, name+".Port")
	m.AddPort("Port", m.in)

	return m
}

func (m *memAgent) AddPort(name string, port sim.Port) { m.ports[name] = port }
func (m *memAgent) GetPortByName(name string) sim.Port { return m.ports[name] }
func (m *memAgent) Ports() []sim.Port {
	list := make([]sim.Port, 0, len(m.ports))
	for _, p := range m.ports {
		list = append(list, p)
	}

	return list
}

func (m *memAgent) NotifyRecv(port sim.Port) { m.TickLater() }
func (m *memAgent) NotifyPortFree(port sim.Port) { m.TickLater() }

func (m *memAgent) Tick() bool {
	msg := m.in.PeekIncoming()
	if msg == nil {
		return false
	}

	req := msg.(*proto.Msg)

	respCmd, ok := map[proto.Cmd]proto.Cmd{
		proto.GetS:  proto.GetSResp,
		proto.GetX:  proto.GetXResp,
		proto.Write: proto.WriteResp,
		proto.PutS:  proto.AckPut,
		proto.PutE:  proto.AckPut,
		proto.PutM:  proto.AckPut,
		proto.PutX:  proto.AckPut,
	}[req.Cmd]
	if !ok {
		return false
	}

	rsp := proto.Builder{}.
		WithCmd(respCmd).
		WithSrc(m.in.AsRemote()).
		WithDst(req.Src).
		WithBaseAddr(req.BaseAddr).
		WithResponseToID(req.ID).
		WithPayload(make([]byte, 64)).
		Build()

	if m.in.Send(rsp) != nil {
		return false
	}

	m.in.RetrieveIncoming()

	return true
}
