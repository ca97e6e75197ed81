package directory

import (
	"github.com/sarchlab/dirsim/mem/proto"
)

// isNoncacheable reports whether msg should bypass the coherence state
// machine entirely, per spec.md §4.6: flagged NONCACHEABLE, or already a
// reply to a noncacheable request we forwarded ourselves.
func (c *Comp) isNoncacheable(msg *proto.Msg) bool {
	if msg.Flags.Has(proto.NonCacheable) {
		return true
	}

	_, pending := c.noncacheMemReqs[msg.ResponseToID]

	return pending
}

// handleNoncacheable implements spec.md §4.6's pass-through path: requests
// are rewritten with src = this directory and forwarded by address toward
// memory, remembering the true source so the eventual response can be
// routed back; responses are matched by id and forwarded by destination.
// Neither direction touches MSHR, the entry store, or the retry loop.
func (c *Comp) handleNoncacheable(msg *proto.Msg) {
	if msg.Cmd.IsResponse() {
		c.handleNoncacheableResponse(msg)
		return
	}

	c.stats.NoncacheableBypassed++

	origSrc := msg.Src
	c.noncacheMemReqs[msg.ID] = origSrc

	fwd := proto.Builder{}.
		WithCmd(msg.Cmd).
		WithSrc(c.memPort.AsRemote()).
		WithBaseAddr(msg.BaseAddr).
		WithAddr(msg.Addr).
		WithRoutingAddr(c.memRoutingAddr(msg.Addr)).
		WithSize(msg.Size).
		WithPayload(msg.Payload).
		WithFlags(msg.Flags).
		WithResponseToID(msg.ID).
		Build()

	if !c.router.forwardByAddress(c.now(), fwd, fwd.RoutingAddr, false) {
		raiseRoutingFailure(msg.BaseAddr, "no reachable memory link for noncacheable request")
	}
}

func (c *Comp) handleNoncacheableResponse(msg *proto.Msg) {
	origSrc, ok := c.noncacheMemReqs[msg.ResponseToID]
	if !ok {
		raiseNoncacheMismatch(msg.BaseAddr, "noncacheable response with no pending request: id="+msg.ResponseToID)
	}

	delete(c.noncacheMemReqs, msg.ResponseToID)

	port, ok := c.router.linkForDestination(origSrc)
	if !ok {
		raiseRoutingFailure(msg.BaseAddr, "no reachable link for noncacheable response destination "+string(origSrc))
	}

	rsp := proto.Builder{}.
		WithCmd(msg.Cmd).
		WithSrc(port.AsRemote()).
		WithDst(origSrc).
		WithBaseAddr(msg.BaseAddr).
		WithAddr(msg.Addr).
		WithPayload(msg.Payload).
		WithResponseToID(msg.ResponseToID).
		Build()

	if port == c.memPort {
		c.router.sendToMem(c.now(), rsp, false)
	} else {
		c.router.sendToCPU(c.now(), rsp)
	}
}
