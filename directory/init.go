package directory

import "github.com/sarchlab/dirsim/sim"

// EndpointInfo is the metadata an endpoint advertises during the untimed
// exchange of spec.md §4.7: endpoint kind, line size, write-back-ack
// requirement, and presence-tracking flag.
type EndpointInfo struct {
	Name            sim.RemotePort
	IsCPUSide       bool
	LineSize        uint64
	RequiresWBAck   bool
	TracksPresence  bool
}

// Init runs the two untimed rounds of spec.md §4.7 before the clock starts:
// round one exchanges endpoint metadata over both links and seeds
// incoherentSrc/waitWBAck; round two creates an I-state entry for each
// initialData address in this directory's region and hands its bytes to
// MSHR.SetData, which keeps nothing for a line with no queued request. No
// initial data is sent to a memory-side receiver. Modeled as an explicit method pair rather than
// always-ticked events, since this exchange happens exactly once before
// simulated time starts moving and has no cycle-by-cycle structure to
// model — a deliberate departure from the corpus's usual "everything is an
// event" convention, recorded in DESIGN.md.
func (c *Comp) Init(endpoints []EndpointInfo, initialData map[uint64][]byte) {
	for _, ep := range endpoints {
		if ep.IsCPUSide {
			c.router.cpuAgents[ep.Name] = true
		} else {
			c.router.memAgents[ep.Name] = true
		}

		if !ep.TracksPresence {
			c.incoherentSrc[string(ep.Name)] = true
		}

		if ep.RequiresWBAck {
			c.waitWBAck[string(ep.Name)] = true
		}
	}

	for addr, data := range initialData {
		if !c.cfg.Region.Contains(addr) {
			continue
		}

		entry := c.store.GetOrCreate(addr)
		entry.State = I
		c.mshr.SetData(addr, data, false)
	}

	c.initDone = true
}
