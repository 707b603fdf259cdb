package adapter

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	DropBandwidth = "bandwidth"
	DropNoRoute   = "no_route"
	DropClosed    = "closed"
)

// Tracker receives traffic and lifecycle counters for metrics export.
type Tracker interface {
	ControlConnection(delta int)
	Tunnel(protocol string, delta int)
	Handshake(result string)
	Traffic(protocol string, direction string, n int)
	Drop(protocol string, reason string)
}

type NopTracker struct{}

func (NopTracker) ControlConnection(delta int) {}

func (NopTracker) Tunnel(protocol string, delta int) {}

func (NopTracker) Handshake(result string) {}

func (NopTracker) Traffic(protocol string, direction string, n int) {}

func (NopTracker) Drop(protocol string, reason string) {}

func TrackerOrNop(tracker Tracker) Tracker {
	if tracker == nil {
		return NopTracker{}
	}
	return tracker
}
