package directory

import (
	"container/heap"

	"github.com/sarchlab/dirsim/mem/portmap"
	"github.com/sarchlab/dirsim/mem/proto"
	"github.com/sarchlab/dirsim/sim"
)

// outgoingItem is one event waiting in an egress queue for its delivery
// cycle to arrive, spec.md §3's "outgoing queues: time-ordered multisets
// keyed by delivery cycle".
type outgoingItem struct {
	deliverAt sim.VTimeInSec
	seq       uint64 // insertion order, to keep FIFO within a cycle
	msg *msgEnvelope
}

type msgEnvelope struct {
	port sim.Port
	data sim.Msg
}

// outQueue is a time-ordered priority queue of outgoingItem, grounded on
// sarchlab-akita/sim/eventqueue.go's binary-heap EventQueue, generalized
// from scheduling sim.Event to scheduling an outgoing message on a
// specific port.
type outQueue struct {
	items []*outgoingItem
	seq   uint64
}

func newOutQueue() *outQueue {
	return &outQueue{}
}

func (q *outQueue) Len() int { return len(q.items) }

func (q *outQueue) Less(i, j int) bool {
	if q.items[i].deliverAt != q.items[j].deliverAt {
		return q.items[i].deliverAt < q.items[j].deliverAt
	}

	return q.items[i].seq < q.items[j].seq
}

func (q *outQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *outQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*outgoingItem))
}

func (q *outQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]

	return item
}

// enqueue schedules msg for delivery on port no earlier than deliverAt.
func (q *outQueue) enqueue(port sim.Port, msg sim.Msg, deliverAt sim.VTimeInSec) {
	q.seq++
	heap.Push(q, &outgoingItem{
		deliverAt: deliverAt,
		seq:       q.seq,
		msg:       &msgEnvelope{port: port, data: msg},
	})
}

// drain sends every item whose deliverAt <= now, stopping at the first port
// that refuses (CanSend false), leaving it and everything behind it queued
// for the next cycle to preserve per-link FIFO order.
func (q *outQueue) drain(now sim.VTimeInSec) {
	for q.Len() > 0 {
		item := q.items[0]
		if item.deliverAt > now {
			return
		}

		if !item.msg.port.CanSend() {
			return
		}

		if err := item.msg.port.Send(item.msg.data); err != nil {
			return
		}

		heap.Pop(q)
	}
}

// router picks which link an outgoing event travels over and schedules its
// delivery, implementing spec.md §4.5's forward_by_address/
// forward_by_destination pair.
type router struct {
	cpuPort sim.Port
	memPort sim.Port

	memMapper portmap.AddressToPortMapper

	// cpuAgents/memAgents record which endpoint names are reachable over
	// each link, learned during the init/untimed exchange (spec.md §4.7)
	// and used by forwardByDestination's is_reachable(dst) check.
	cpuAgents map[sim.RemotePort]bool
	memAgents map[sim.RemotePort]bool

	cpuQueue *outQueue
	memQueue *outQueue

	accessLatency sim.VTimeInSec
	mshrLatency   sim.VTimeInSec
}

func newRouter(cpuPort, memPort sim.Port, mapper portmap.AddressToPortMapper, accessLatency, mshrLatency sim.VTimeInSec) *router {
	return &router{
		cpuPort:       cpuPort,
		memPort:       memPort,
		memMapper:     mapper,
		cpuAgents:     make(map[sim.RemotePort]bool),
		memAgents:     make(map[sim.RemotePort]bool),
		cpuQueue:      newOutQueue(),
		memQueue:      newOutQueue(),
		accessLatency: accessLatency,
		mshrLatency:   mshrLatency,
	}
}

// forwardByAddress routes msg toward the memory side, refusing it when
// memMapper cannot resolve routingAddr (spec.md §7 kind 3: an unresolved
// routing address is a fatal routing failure, not a silent drop).
func (r *router) forwardByAddress(now sim.VTimeInSec, msg sim.Msg, routingAddr uint64, dirAccess bool) bool {
	if r.memMapper.Find(routingAddr) == "" {
		return false
	}

	r.sendToMem(now, msg, dirAccess)

	return true
}

// sendToMem queues msg for the memory-side link, delayed by accessLatency
// (or mshrLatency when dirAccess marks it as directory-entry-fill traffic,
// spec.md §4.5's separate statistics treatment). A *proto.Msg with no Dst
// is addressed to the port memMapper resolves for its RoutingAddr.
func (r *router) sendToMem(now sim.VTimeInSec, msg sim.Msg, dirAccess bool) {
	delay := r.accessLatency
	if dirAccess {
		delay = r.mshrLatency
	}

	if m, ok := msg.(*proto.Msg); ok && m.Dst == "" {
		m.Dst = r.memMapper.Find(m.RoutingAddr)
	}

	r.memQueue.enqueue(r.memPort, msg, now+delay)
}

// sendToCPU queues msg for the cpu-side link.
func (r *router) sendToCPU(now sim.VTimeInSec, msg sim.Msg) {
	r.cpuQueue.enqueue(r.cpuPort, msg, now+r.accessLatency)
}

// forwardByDestination picks cpu or mem link by which one learned dst as a
// reachable endpoint during the init exchange, per spec.md §4.5's
// is_reachable(dst) rule. A dst reachable over neither is a routing
// failure (spec.md §7 kind 3).
func (r *router) forwardByDestination(now sim.VTimeInSec, msg sim.Msg, dst sim.RemotePort, dirAccess bool) bool {
	if r.cpuAgents[dst] {
		r.sendToCPU(now, msg)
		return true
	}

	if r.memAgents[dst] {
		r.sendToMem(now, msg, dirAccess)
		return true
	}

	return false
}

// linkForDestination returns the outgoing port that reaches dst, and
// whether one was found. A message built for that link must set its Src to
// the returned port's own remote name, since Port.Send requires the
// sending port to be the message's declared source.
func (r *router) linkForDestination(dst sim.RemotePort) (sim.Port, bool) {
	if r.cpuAgents[dst] {
		return r.cpuPort, true
	}

	if r.memAgents[dst] {
		return r.memPort, true
	}

	return nil, false
}
