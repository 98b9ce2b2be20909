package hotstuff

import (
	"github.com/pkg/errors"

	"github.com/kauribft/kauri/sign"
)

// qcRef resolves the block a justify certificate points at. Resolution always
// goes through storage so the DAG carries no ownership cycles.
func (n *Node) qcRef(b *Block) *Block {
	if b == nil || b.justify == nil {
		return nil
	}
	return n.storage.FindBlock(b.justify.ObjHash())
}

// extendsLocked walks the primary-parent chain down to the locked height and
// checks the locked block is an ancestor.
func (n *Node) extendsLocked(b *Block) bool {
	cur := b
	for cur != nil && cur.height > n.bLock.height {
		cur = n.storage.FindBlock(cur.PrimaryParent())
	}
	return cur == n.bLock
}

// onReceiveProposal applies the voting rule to a delivered proposal.
// Precondition: the block and its justify chain are delivered.
func (n *Node) onReceiveProposal(prop *Proposal) {
	blk := prop.Blk
	bj := n.qcRef(blk)

	opinion := false
	if blk.height > n.vheight {
		if bj != nil && bj.height > n.bLock.height {
			opinion = true
		} else if n.extendsLocked(blk) {
			opinion = true
		}
	}
	n.logger.Debug("got proposal", "block", blk.hash, "height", blk.height,
		"proposer", blk.proposer, "vote", opinion)

	if opinion {
		n.vheight = blk.height
		cert, err := NewPartialCert(n.privKeyBLS, n.id, blk.hash)
		if err != nil {
			n.fatal(errors.Wrap(err, "fail to sign the vote"))
			return
		}
		n.doVote(prop, &Vote{BlkHash: blk.hash, Voter: n.id, Cert: cert})
	}

	if bj != nil {
		n.updateHqc(bj, blk.justify)
		n.updateChain(bj)
	}
	if blk.height > n.bLeaf.height {
		n.bLeaf = blk
	}
	n.pmaker.OnReceiveProposal(blk)
}

// doVote routes the replica's own vote: leaves send it to the tree parent
// after the pacemaker's response delay; internal nodes fold it into the
// block's aggregator, which already carries their share.
func (n *Node) doVote(prop *Proposal, v *Vote) {
	vote := v
	n.pmaker.BeatResp(prop.Proposer).Then(func(interface{}) {
		if n.tree.IsLeaf() && !n.tree.IsRoot() {
			n.send(n.tree.Parent, OpVote, EncodeVote(vote))
			return
		}
		st := n.aggStateFor(vote.BlkHash)
		if n.tree.IsRoot() {
			n.tryFinishQC(st, prop.Blk)
		} else {
			n.tryRelay(st, vote.BlkHash)
		}
	})
}

// updateHqc raises the highest-QC pointer; it never goes down.
func (n *Node) updateHqc(b *Block, qc *QuorumCert) {
	if b == nil || qc == nil {
		return
	}
	if b.height > n.hqcBlock.height {
		n.hqcBlock = b
		n.hqc = qc.Clone()
		n.logger.Debug("hqc updated", "block", b.hash, "height", b.height)
		n.pmaker.OnHqcUpdate(b)
	}
}

// updateChain evaluates the three-chain rule for a newly certified block b3:
// with b2, b1, b0 the justify chain below it, two consecutive direct-parent
// links lock b1 and commit b0.
func (n *Node) updateChain(b3 *Block) {
	b2 := n.qcRef(b3)
	if b2 == nil {
		return
	}
	b1 := n.qcRef(b2)
	if b1 == nil {
		return
	}
	b0 := n.qcRef(b1)
	if b0 == nil {
		return
	}
	if b2.PrimaryParent() != b1.hash || b1.PrimaryParent() != b0.hash {
		return
	}
	if b1.height > n.bLock.height {
		n.bLock = b1
	}
	if b0.height > n.bExec.height {
		n.commitTo(b0)
	}
}

// commitTo executes every undecided ancestor up to and including b0, in
// ascending height order.
func (n *Node) commitTo(b0 *Block) {
	var chain []*Block
	cur := b0
	for cur != nil && cur.height > n.bExec.height {
		chain = append(chain, cur)
		cur = n.storage.FindBlock(cur.PrimaryParent())
	}
	if cur != n.bExec {
		n.fatal(errors.Errorf("safety breached: committing %s conflicts with executed %s",
			b0.hash, n.bExec.hash))
		return
	}
	for i := len(chain) - 1; i >= 0; i-- {
		blk := chain[i]
		blk.decision = true
		n.logger.Info("commit block", "block", blk.hash, "height", blk.height,
			"cmds", len(blk.cmds))
		for idx, cmd := range blk.cmds {
			n.doDecide(&Finality{
				ReplicaID: n.id,
				Decision:  1,
				CmdIdx:    uint32(idx),
				BlkHeight: blk.height,
				CmdHash:   cmd,
				BlkHash:   blk.hash,
			})
		}
		n.pmaker.OnConsensus(blk)
	}
	n.bExec = b0
}

// onQCFinish runs when this replica assembled a full quorum certificate.
func (n *Node) onQCFinish(blk *Block) {
	n.updateChain(blk)
	n.pmaker.OnQCFinish(blk)
}

// onPropose builds, stores and disseminates a new block, counting the
// proposer's own share as an implicit vote.
func (n *Node) onPropose(cmds []Hash, parents []Hash) {
	if len(parents) == 0 {
		parents = []Hash{n.bLeaf.hash}
	}
	parentBlk := n.storage.FindBlock(parents[0])
	if parentBlk == nil {
		n.fatal(errors.Errorf("proposing on unknown parent %s", parents[0]))
		return
	}

	justify := n.hqc.Clone()
	blk := NewBlock(parents, parentBlk.height+1, justify, cmds, n.id)
	blk.SetSig(sign.SignEd25519(n.privKeyED, blk.hash[:]))
	blk = n.storage.AddBlock(blk)
	blk.delivered = true

	n.metrics.Proposed.Inc()
	n.vheight = blk.height
	n.bLeaf = blk
	n.logger.Info("propose block", "block", blk.hash, "height", blk.height, "cmds", len(cmds))

	// the proposer's own partial seeds the aggregator
	n.aggStateFor(blk.hash)
	n.updateChain(n.qcRef(blk))

	payload := EncodeProposal(&Proposal{Proposer: n.id, Blk: blk}, n.rc.N)
	if n.tree.IsRoot() {
		for _, child := range n.tree.DirectChildren {
			n.send(child, OpPropose, payload)
		}
	} else {
		// a non-root proposer cannot use its subtree to reach everyone
		for i := 0; i < n.rc.N; i++ {
			if ReplicaID(i) != n.id {
				n.send(ReplicaID(i), OpPropose, payload)
			}
		}
	}
}
