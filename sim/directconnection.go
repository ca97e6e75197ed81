package sim

// DirectConnection connects any number of ports. Messages pushed into a
// plugged-in port's outgoing buffer are delivered to their destination port
// on the connection's next tick after the send.
type DirectConnection struct {
	*TickingComponent

	ports map[RemotePort]Port
}

// NewDirectConnection creates a new DirectConnection object.
func NewDirectConnection(name string, engine Engine, freq Freq) *DirectConnection {
	c := new(DirectConnection)
	c.TickingComponent = NewSecondaryTickingComponent(name, engine, freq, c)
	c.ports = make(map[RemotePort]Port)

	return c
}

// PlugIn marks the port as connected to this DirectConnection.
func (c *DirectConnection) PlugIn(port Port) {
	c.Lock()
	defer c.Unlock()

	c.ports[port.AsRemote()] = port
	port.SetConnection(c)
}

// Unplug marks the port as no longer connected to this DirectConnection.
func (c *DirectConnection) Unplug(port Port) {
	c.Lock()
	defer c.Unlock()

	delete(c.ports, port.AsRemote())
}

// NotifyAvailable is called by a port to notify that it can accept
// deliveries again.
func (c *DirectConnection) NotifyAvailable(_ Port) {
	c.TickLater()
}

// NotifySend is called by a port to notify that it has something to send.
func (c *DirectConnection) NotifySend() {
	c.TickLater()
}

// Tick drains every plugged-in port's outgoing buffer, delivering each
// message to its destination port.
func (c *DirectConnection) Tick() bool {
	c.Lock()
	defer c.Unlock()

	madeProgress := false

	for _, port := range c.ports {
		for {
			msg := port.PeekOutgoing()
			if msg == nil {
				break
			}

			dst, found := c.ports[msg.Meta().Dst]
			if !found {
				panic("destination port not connected to this connection")
			}

			if dst.Deliver(msg) != nil {
				break
			}

			port.RetrieveOutgoing()
			madeProgress = true
		}
	}

	return madeProgress
}
