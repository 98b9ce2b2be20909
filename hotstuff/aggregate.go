package hotstuff

import (
	"github.com/pkg/errors"
)

// aggState is the per-block aggregation record. qc collects partials;
// relayed/finished short-circuit everything after the threshold, so late
// votes and relays for the block are dropped.
type aggState struct {
	qc       *QuorumCert
	relayed  bool
	finished bool
}

// aggStateFor lazily creates the block's aggregator, seeded with this
// replica's own partial signature. The block itself may not be delivered yet.
func (n *Node) aggStateFor(h Hash) *aggState {
	st, ok := n.aggStates[h]
	if ok {
		return st
	}
	qc := NewQuorumCert(h)
	cert, err := NewPartialCert(n.privKeyBLS, n.id, h)
	if err != nil {
		n.fatal(errors.Wrap(err, "fail to sign own partial"))
	} else {
		qc.AddPart(n.id, cert.Sig)
	}
	st = &aggState{qc: qc}
	n.aggStates[h] = st
	n.logger.Debug("create certificate", "block", h)
	return st
}

// onVote handles a child's vote climbing the tree.
func (n *Node) onVote(v *Vote, from ReplicaID) {
	st := n.aggStateFor(v.BlkHash)
	if st.finished || st.relayed || st.qc.HasN(n.rc.NMajority) {
		return
	}

	if !n.tree.IsRoot() {
		// partials inside the subtree are trusted until the aggregate check
		if !st.qc.AddPart(v.Voter, v.Cert.Sig) {
			n.logger.Warn("conflicting vote", "voter", v.Voter, "block", v.BlkHash)
			return
		}
		n.asyncDeliverBlock(v.BlkHash, from)
		n.tryRelay(st, v.BlkHash)
		return
	}

	// the root verifies every inbound partial before counting it
	vote := v
	join := All(n.loop,
		n.asyncDeliverBlock(vote.BlkHash, from),
		n.vpool.Submit(func() error { return vote.Cert.Verify(n.rc) }),
	)
	join.Then(func(vals interface{}) {
		blk := vals.([]interface{})[0].(*Block)
		if st.finished {
			return
		}
		if !st.qc.AddPart(vote.Voter, vote.Cert.Sig) {
			n.logger.Warn("conflicting vote", "voter", vote.Voter, "block", vote.BlkHash)
			return
		}
		n.tryFinishQC(st, blk)
	})
	join.Catch(func(err error) {
		// the block may still reach quorum from the other votes
		n.logger.Warn("dropping invalid vote", "voter", vote.Voter,
			"block", vote.BlkHash, "error", err)
	})
}

// onVoteRelay merges an aggregated subtree certificate into the local one.
func (n *Node) onVoteRelay(rel *VoteRelay, from ReplicaID) {
	st := n.aggStateFor(rel.BlkHash)
	if st.finished || st.relayed || st.qc.HasN(n.rc.NMajority) {
		return
	}

	if !n.tree.IsRoot() {
		if err := st.qc.MergeQuorum(rel.Cert); err != nil {
			n.logger.Warn("rejecting relay merge", "block", rel.BlkHash, "error", err)
			return
		}
		n.asyncDeliverBlock(rel.BlkHash, from)
		n.tryRelay(st, rel.BlkHash)
		return
	}

	relay := rel
	n.asyncDeliverBlock(relay.BlkHash, from).Then(func(v interface{}) {
		blk := v.(*Block)
		if st.finished || st.qc.HasN(n.rc.NMajority) {
			return
		}
		if err := st.qc.MergeQuorum(relay.Cert); err != nil {
			n.logger.Warn("rejecting relay merge", "block", relay.BlkHash, "error", err)
			return
		}
		n.tryFinishQC(st, blk)
	}).Catch(func(err error) {
		n.logger.Warn("dropping relay for undeliverable block", "block", relay.BlkHash, "error", err)
	})
}

// tryRelay fires once an internal node holds a partial for every transitive
// descendant plus itself: it aggregates, verifies, and forwards one relay to
// the tree parent. An invalid aggregate here is fatal: an honest subtree
// cannot produce one.
func (n *Node) tryRelay(st *aggState, blkHash Hash) {
	if st.relayed || !st.qc.HasN(n.tree.RelayThreshold()) {
		return
	}
	st.relayed = true
	if err := st.qc.Compute(); err != nil {
		n.fatal(err)
		return
	}
	snapshot := st.qc.Clone()
	n.vpool.Submit(func() error { return snapshot.Verify(n.rc) }).Then(func(interface{}) {
		n.logger.Debug("relay certificate", "block", blkHash, "parts", snapshot.Size())
		n.send(n.tree.Parent, OpVoteRelay, EncodeVoteRelay(&VoteRelay{BlkHash: blkHash, Cert: snapshot}, n.rc.N))
	}).Catch(func(err error) {
		n.fatal(errors.Wrap(err, "invalid aggregate in intermediate certificate"))
	})
}

// tryFinishQC fires at the root once nmajority distinct partials are in:
// it aggregates, verifies, then raises hqc and runs the commit rule.
func (n *Node) tryFinishQC(st *aggState, blk *Block) {
	if st.finished || !st.qc.HasN(n.rc.NMajority) {
		return
	}
	st.finished = true
	if err := st.qc.Compute(); err != nil {
		n.fatal(err)
		return
	}
	snapshot := st.qc.Clone()
	n.vpool.Submit(func() error { return snapshot.Verify(n.rc) }).Then(func(interface{}) {
		n.logger.Debug("quorum certificate formed", "block", blk.hash, "parts", snapshot.Size())
		n.updateHqc(blk, snapshot)
		n.onQCFinish(blk)
	}).Catch(func(err error) {
		n.fatal(errors.Wrap(err, "invalid aggregate in quorum certificate"))
	})
}
