package models

import "strings"

// Well-known port names. Branch-labeled ports (true/false, approved/rejected,
// switch cases) gate which downstream edges an emitting node satisfies.
const (
	PortMain     = "main"
	PortTrue     = "true"
	PortFalse    = "false"
	PortError    = "error"
	PortBody     = "body"
	PortDone     = "done"
	PortApproved = "approved"
	PortRejected = "rejected"
	PortDefault  = "default"
)

// Connection is a directed edge from one node's output port to another
// node's input port. Ports are fully qualified as "{node_id}:{port_name}".
type Connection struct {
	ID         string `json:"id"`
	SourcePort string `json:"source_port" validate:"required"`
	TargetPort string `json:"target_port" validate:"required"`
}

// SourceNode returns the node id and port name of the connection's source.
func (c *Connection) SourceNode() (string, string, bool) {
	return ParsePortID(c.SourcePort)
}

// TargetNode returns the node id and port name of the connection's target.
func (c *Connection) TargetNode() (string, string, bool) {
	return ParsePortID(c.TargetPort)
}

// ParsePortID parses a port id in format "{node_id}:{port_name}".
func ParsePortID(portID string) (string, string, bool) {
	i := strings.IndexByte(portID, ':')
	if i <= 0 || i == len(portID)-1 {
		return "", "", false
	}

	return portID[:i], portID[i+1:], true
}

// MakePortID creates a port id from node id and port name.
func MakePortID(nodeID, portName string) string {
	return nodeID + ":" + portName
}
