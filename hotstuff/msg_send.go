package hotstuff

import (
	"github.com/kauribft/kauri/conn"
)

// send dispatches one frame to a peer. The indirection lets tests capture
// outbound traffic without a transport.
func (n *Node) send(to ReplicaID, op uint8, payload []byte) {
	n.sendFn(to, op, payload)
}

// networkSend writes the frame over a pooled connection.
func (n *Node) networkSend(to ReplicaID, op uint8, payload []byte) {
	if n.trans == nil {
		return
	}
	target := n.rc.Replicas[to].Addr
	netConn, err := n.trans.GetConn(target)
	if err != nil {
		n.logger.Error("fail to connect", "target", target, "error", err)
		return
	}
	if err := conn.SendMsg(netConn, op, n.id, payload); err != nil {
		n.logger.Error("fail to send the message", "target", target, "op", op, "error", err)
		return
	}
	if err := n.trans.ReturnConn(netConn); err != nil {
		n.logger.Error("fail to return the connection", "target", target, "error", err)
	}
}
