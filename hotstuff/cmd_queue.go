package hotstuff

// ExecCommand submits an opaque command hash for replication. The callback
// fires with the command's Finality once it commits; it may be called from
// the event loop goroutine. Safe to call from any goroutine.
func (n *Node) ExecCommand(cmd Hash, callback func(*Finality)) {
	n.loop.Post(func() { n.execCommand(cmd, callback) })
}

func (n *Node) execCommand(cmd Hash, callback func(*Finality)) {
	if fin, ok := n.storage.LookupDecidedCmd(cmd); ok {
		callback(fin)
		return
	}
	if _, ok := n.decisionWaiting[cmd]; ok {
		// duplicate submission answers immediately with an empty finality
		callback(&Finality{ReplicaID: n.id, CmdHash: cmd})
		return
	}
	n.decisionWaiting[cmd] = callback

	if n.pmaker.GetProposer() != n.id {
		return
	}
	n.cmdBuffer = append(n.cmdBuffer, cmd)
	n.maybePropose()
}

// maybePropose drains exactly one batch once blk_size commands are buffered
// and proposes it when the pacemaker beats.
func (n *Node) maybePropose() {
	if len(n.cmdBuffer) < n.rc.BlkSize {
		return
	}
	cmds := make([]Hash, n.rc.BlkSize)
	copy(cmds, n.cmdBuffer[:n.rc.BlkSize])
	n.cmdBuffer = n.cmdBuffer[n.rc.BlkSize:]

	n.pmaker.Beat().Then(func(v interface{}) {
		if v.(ReplicaID) == n.id {
			n.onPropose(cmds, n.pmaker.GetParents())
		}
		n.maybePropose()
	})
}

// doDecide hands a committed command to the state machine side: the finality
// is cached and any waiting submission callback fires.
func (n *Node) doDecide(fin *Finality) {
	n.metrics.Decided.Inc()
	n.storage.AddDecidedCmd(fin)
	if cb, ok := n.decisionWaiting[fin.CmdHash]; ok {
		delete(n.decisionWaiting, fin.CmdHash)
		cb(fin)
	}
}
