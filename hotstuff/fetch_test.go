package hotstuff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two concurrent deliveries waiting on the same missing ancestor share one
// fetch: exactly one ReqBlock goes out, and one response resolves both.
func TestFetchDeduplication(t *testing.T) {
	e := newTestEnv(4, 3, 1, 9200)
	node, rec := e.newNode(t, 1, NewStaticPacemaker())

	var genesis *Block
	postWait(node, func() { genesis = node.genesis })
	genesisQC := NewQuorumCert(genesis.Hash())

	// Bx is never proposed to this node; By and Bz both extend it
	blkX := e.makeBlock(genesis, genesisQC, []Hash{cmdHash("x")}, 0)
	qcX := e.makeQC(t, blkX.Hash(), []int{0, 1, 2})
	blkY := e.makeBlock(blkX, qcX, []Hash{cmdHash("y")}, 0)
	blkZ := e.makeBlock(blkX, qcX, []Hash{cmdHash("z")}, 0)

	dispatchRaw(node, 0, OpPropose, EncodeProposal(&Proposal{Proposer: 0, Blk: blkY}, 4))
	dispatchRaw(node, 0, OpPropose, EncodeProposal(&Proposal{Proposer: 0, Blk: blkZ}, 4))

	require.Eventually(t, func() bool {
		return rec.count(OpReqBlock) >= 1
	}, 5*time.Second, 5*time.Millisecond)

	reqs := rec.list(OpReqBlock)
	require.Len(t, reqs, 1, "concurrent deliveries must share one fetch")
	assert.Equal(t, ReplicaID(0), reqs[0].to)
	hashes, err := DecodeReqBlock(reqs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, []Hash{blkX.Hash()}, hashes)

	dispatchRaw(node, 0, OpRespBlock, EncodeRespBlock([]*Block{blkX}, 4))

	require.Eventually(t, func() bool {
		var yDone, zDone bool
		postWait(node, func() {
			yDone = node.storage.IsDelivered(blkY.Hash())
			zDone = node.storage.IsDelivered(blkZ.Hash())
		})
		return yDone && zDone
	}, 5*time.Second, 5*time.Millisecond)

	// parents deliver before children
	var xDone bool
	postWait(node, func() { xDone = node.storage.IsDelivered(blkX.Hash()) })
	assert.True(t, xDone)

	// still only the one request
	assert.Equal(t, 1, rec.count(OpReqBlock))
}

// A peer asking for a block we do not have yet is answered once the block
// arrives.
func TestReqBlockAnsweredAfterArrival(t *testing.T) {
	e := newTestEnv(4, 3, 1, 9200)
	node, rec := e.newNode(t, 1, NewStaticPacemaker())

	var genesis *Block
	postWait(node, func() { genesis = node.genesis })
	genesisQC := NewQuorumCert(genesis.Hash())
	blkX := e.makeBlock(genesis, genesisQC, []Hash{cmdHash("x")}, 0)

	dispatchRaw(node, 2, OpReqBlock, EncodeReqBlock([]Hash{blkX.Hash()}))
	assert.Equal(t, 0, rec.count(OpRespBlock))

	dispatchRaw(node, 0, OpRespBlock, EncodeRespBlock([]*Block{blkX}, 4))

	require.Eventually(t, func() bool {
		return rec.count(OpRespBlock) == 1
	}, 5*time.Second, 5*time.Millisecond)
	resp := rec.list(OpRespBlock)[0]
	assert.Equal(t, ReplicaID(2), resp.to)
	blks, err := DecodeRespBlock(resp.payload, 4)
	require.NoError(t, err)
	require.Len(t, blks, 1)
	assert.Equal(t, blkX.Hash(), blks[0].Hash())
}
