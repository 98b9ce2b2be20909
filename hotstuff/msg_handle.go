package hotstuff

import (
	"github.com/kauribft/kauri/conn"
)

// handleMsgLoop pumps inbound frames from the transport onto the event loop.
// Frames from unknown senders are dropped here, before any parsing happens.
func (n *Node) handleMsgLoop() {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case raw := <-msgCh:
			if n.isFaulty {
				continue
			}
			if int(raw.Sender) >= n.rc.N || raw.Sender == n.id {
				continue
			}
			msg := raw
			n.loop.Post(func() { n.dispatch(msg) })
		case <-n.quitCh:
			return
		}
	}
}

// dispatch parses an admitted frame and routes it. Runs on the loop.
func (n *Node) dispatch(raw conn.RawMsg) {
	switch raw.Op {
	case OpPropose:
		n.handlePropose(raw)
	case OpVote:
		v, err := DecodeVote(raw.Payload)
		if err != nil {
			n.logger.Warn("malformed vote", "from", raw.Sender, "error", err)
			return
		}
		n.onVote(v, raw.Sender)
	case OpVoteRelay:
		rel, err := DecodeVoteRelay(raw.Payload, n.rc.N)
		if err != nil {
			n.logger.Warn("malformed relay", "from", raw.Sender, "error", err)
			return
		}
		n.onVoteRelay(rel, raw.Sender)
	case OpReqBlock:
		hashes, err := DecodeReqBlock(raw.Payload)
		if err != nil {
			n.logger.Warn("malformed block request", "from", raw.Sender, "error", err)
			return
		}
		n.handleReqBlock(hashes, raw.Sender)
	case OpRespBlock:
		blks, err := DecodeRespBlock(raw.Payload, n.rc.N)
		if err != nil {
			n.logger.Warn("malformed block response", "from", raw.Sender, "error", err)
			return
		}
		for _, b := range blks {
			stored := n.storage.AddBlock(b)
			n.onFetchBlock(stored)
		}
	default:
		n.logger.Warn("unknown opcode", "op", raw.Op, "from", raw.Sender)
	}
}

// handlePropose relays the raw proposal to this node's children before doing
// any local work, so the fan-out pipelines down the tree, then delivers the
// block's ancestry and hands the proposal to the consensus core.
func (n *Node) handlePropose(raw conn.RawMsg) {
	prop, err := DecodeProposal(raw.Payload, n.rc.N)
	if err != nil {
		n.logger.Warn("malformed proposal", "from", raw.Sender, "error", err)
		return
	}

	for _, child := range n.tree.DirectChildren {
		n.send(child, OpPropose, raw.Payload)
	}

	blk := n.storage.AddBlock(prop.Blk)
	prop.Blk = blk
	n.onFetchBlock(blk)

	from := raw.Sender
	n.asyncDeliverBlock(blk.hash, from).Then(func(interface{}) {
		n.onReceiveProposal(prop)
	}).Catch(func(err error) {
		n.logger.Warn("dropping undeliverable proposal", "block", blk.hash, "error", err)
	})
}

// handleReqBlock answers a peer's fetch. Unknown blocks keep the request
// pending: the response is sent once every requested block is known locally.
func (n *Node) handleReqBlock(hashes []Hash, from ReplicaID) {
	pms := make([]*Promise, 0, len(hashes))
	for _, h := range hashes {
		pms = append(pms, n.asyncFetchBlock(h, nil, false))
	}
	All(n.loop, pms...).Then(func(vals interface{}) {
		values := vals.([]interface{})
		blks := make([]*Block, 0, len(values))
		for _, v := range values {
			blks = append(blks, v.(*Block))
		}
		n.send(from, OpRespBlock, EncodeRespBlock(blks, n.rc.N))
	})
}
