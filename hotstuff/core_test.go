package hotstuff

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kauribft/kauri/conn"
)

// dispatchRaw injects a frame the way the message pump would.
func dispatchRaw(n *Node, sender ReplicaID, op uint8, payload []byte) {
	raw := conn.RawMsg{Op: op, Sender: sender, Payload: payload}
	postWait(n, func() { n.dispatch(raw) })
}

// The leader runs six chained rounds; the first block commits exactly when
// the fourth certificate forms, and ancestors commit in ascending order.
func TestThreeChainCommitTiming(t *testing.T) {
	e := newTestEnv(4, 3, 1, 9100)
	node, rec := e.newNode(t, 0, NewStaticPacemaker())

	var finMu sync.Mutex
	var fins []*Finality
	for i := 0; i < 6; i++ {
		c := cmdHash(fmt.Sprintf("cmd-%d", i))
		node.ExecCommand(c, func(f *Finality) {
			finMu.Lock()
			fins = append(fins, f)
			finMu.Unlock()
		})
	}

	for round := 1; round <= 6; round++ {
		wantProposals := round * 3 // one frame per direct child
		require.Eventually(t, func() bool {
			return rec.count(OpPropose) >= wantProposals
		}, 5*time.Second, 10*time.Millisecond, "round %d never proposed", round)

		var h Hash
		postWait(node, func() { h = node.bLeaf.hash })

		v1 := e.makeVote(t, 1, h)
		v2 := e.makeVote(t, 2, h)
		postWait(node, func() { node.onVote(v1, 1) })
		postWait(node, func() { node.onVote(v2, 2) })

		require.Eventually(t, func() bool {
			var cur Hash
			postWait(node, func() { cur = node.hqcBlock.hash })
			return cur == h
		}, 5*time.Second, 10*time.Millisecond, "round %d never certified", round)

		var exec, lock uint32
		postWait(node, func() {
			exec = node.bExec.height
			lock = node.bLock.height
		})
		wantExec := 0
		if round >= 4 {
			wantExec = round - 3
		}
		assert.Equal(t, uint32(wantExec), exec, "wrong exec height after round %d", round)
		if round >= 4 {
			assert.Equal(t, uint32(round-2), lock, "wrong locked height after round %d", round)
		}
	}

	finMu.Lock()
	defer finMu.Unlock()
	require.GreaterOrEqual(t, len(fins), 3)
	for i, fin := range fins[:3] {
		assert.Equal(t, int8(1), fin.Decision)
		assert.Equal(t, uint32(i+1), fin.BlkHeight)
		assert.Equal(t, cmdHash(fmt.Sprintf("cmd-%d", i)), fin.CmdHash)
	}
}

// A replica that voted at a height refuses a conflicting proposal at the
// same height.
func TestVoteSafetyUnderConflictingProposals(t *testing.T) {
	e := newTestEnv(4, 3, 1, 9100)
	node, rec := e.newNode(t, 1, NewStaticPacemaker())

	var genesis *Block
	postWait(node, func() { genesis = node.genesis })
	genesisQC := NewQuorumCert(genesis.Hash())

	blkA := e.makeBlock(genesis, genesisQC, []Hash{cmdHash("a")}, 0)
	dispatchRaw(node, 0, OpPropose, EncodeProposal(&Proposal{Proposer: 0, Blk: blkA}, 4))

	require.Eventually(t, func() bool {
		return rec.count(OpVote) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ReplicaID(0), rec.list(OpVote)[0].to)

	// same height, different commands
	blkB := e.makeBlock(genesis, genesisQC, []Hash{cmdHash("b")}, 0)
	dispatchRaw(node, 0, OpPropose, EncodeProposal(&Proposal{Proposer: 0, Blk: blkB}, 4))

	require.Eventually(t, func() bool {
		var delivered bool
		postWait(node, func() { delivered = node.storage.IsDelivered(blkB.Hash()) })
		return delivered
	}, 5*time.Second, 10*time.Millisecond)

	// delivery happened, the vote did not
	assert.Equal(t, 1, rec.count(OpVote))
	var vh uint32
	postWait(node, func() { vh = node.vheight })
	assert.Equal(t, uint32(1), vh)
}

// the highest-QC pointer never goes down
func TestMonotoneHqc(t *testing.T) {
	e := newTestEnv(4, 3, 1, 9100)
	node, _ := e.newNode(t, 1, NewStaticPacemaker())

	var genesis *Block
	postWait(node, func() { genesis = node.genesis })
	genesisQC := NewQuorumCert(genesis.Hash())

	blk1 := e.makeBlock(genesis, genesisQC, []Hash{cmdHash("c1")}, 0)
	qc1 := e.makeQC(t, blk1.Hash(), []int{0, 1, 2})
	blk2 := e.makeBlock(blk1, qc1, []Hash{cmdHash("c2")}, 0)

	payload1 := EncodeProposal(&Proposal{Proposer: 0, Blk: blk1}, 4)
	dispatchRaw(node, 0, OpPropose, payload1)
	dispatchRaw(node, 0, OpPropose, EncodeProposal(&Proposal{Proposer: 0, Blk: blk2}, 4))

	require.Eventually(t, func() bool {
		var h uint32
		postWait(node, func() { h = node.hqcBlock.height })
		return h == 1
	}, 5*time.Second, 10*time.Millisecond)

	// replaying the older proposal must not regress hqc
	dispatchRaw(node, 0, OpPropose, payload1)
	var h uint32
	postWait(node, func() { h = node.hqcBlock.height })
	assert.Equal(t, uint32(1), h)
}
