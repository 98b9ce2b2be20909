/*
Package conn implements the connection between a pair of nodes.
The connection will only be used in an unidirectional manner.
For example, if a node (node1) connects to another node (node2, with a port
open for listening), the connection will only be used to send data from node1
to node2.
*/
package conn

import (
	"bufio"
	"net"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
}

// Target returns the address this connection was dialed to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
