package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind namespaces in use:
//
//	push.*       decoded transport events (push.message, push.conversation, push.typing)
//	stream.*     synchronizer mutations (stream.updated, stream.merged_provisional)
//	directory.*  conversation directory mutations (directory.updated)
//	send.*       pipeline lifecycle (send.queued, send.ack, send.failed, send.discarded)
//	transport.*  connection lifecycle (transport.connected, transport.disconnected)
//	status.*     daemon state machine (status.changed)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
