package hotstuff

import (
	"crypto/ed25519"
	"crypto/sha256"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/config"
	"github.com/kauribft/kauri/sign"
)

// testEnv holds the key material of a test cluster so several in-process
// nodes (or hand-crafted votes) share one identity set.
type testEnv struct {
	n       int
	fanout  int
	blkSize int

	privED  []ed25519.PrivateKey
	privBLS []kyber.Scalar
	pubED   map[string]ed25519.PublicKey
	pubBLS  map[string]kyber.Point

	clusterAddr          map[string]string
	clusterPort          map[string]int
	clusterAddrWithPorts map[string]uint8
}

func newTestEnv(n, fanout, blkSize, basePort int) *testEnv {
	e := &testEnv{
		n:                    n,
		fanout:               fanout,
		blkSize:              blkSize,
		privED:               make([]ed25519.PrivateKey, n),
		privBLS:              make([]kyber.Scalar, n),
		pubED:                make(map[string]ed25519.PublicKey, n),
		pubBLS:               make(map[string]kyber.Point, n),
		clusterAddr:          make(map[string]string, n),
		clusterPort:          make(map[string]int, n),
		clusterAddrWithPorts: make(map[string]uint8, n),
	}
	for i := 0; i < n; i++ {
		name := config.ReplicaName(uint8(i))
		privED, pubED := sign.GenED25519Keys()
		privBLS, pubBLS := sign.GenBLSKeys()
		e.privED[i] = privED
		e.privBLS[i] = privBLS
		e.pubED[name] = pubED
		e.pubBLS[name] = pubBLS
		e.clusterAddr[name] = "127.0.0.1"
		e.clusterPort[name] = basePort + i*10
		e.clusterAddrWithPorts["127.0.0.1:"+strconv.Itoa(basePort+i*10)] = uint8(i)
	}
	return e
}

func (e *testEnv) config(id int) *config.Config {
	name := config.ReplicaName(uint8(id))
	return config.New(name, 2, e.clusterAddr, e.clusterPort, nil, e.clusterAddrWithPorts,
		e.pubED, e.privED[id], e.pubBLS, e.privBLS[id], 3, e.fanout, e.blkSize, 2)
}

// newNode builds a node without a transport; outbound frames land in the
// returned recorder.
func (e *testEnv) newNode(t *testing.T, id int, pmaker Pacemaker) (*Node, *recorder) {
	t.Helper()
	node, err := NewNode(e.config(id), pmaker)
	require.NoError(t, err)
	rec := &recorder{}
	node.sendFn = rec.record
	node.Start()
	t.Cleanup(node.Close)
	return node, rec
}

// makeQC assembles a computed certificate over h from the given voters.
func (e *testEnv) makeQC(t *testing.T, h Hash, voters []int) *QuorumCert {
	t.Helper()
	qc := NewQuorumCert(h)
	for _, v := range voters {
		cert, err := NewPartialCert(e.privBLS[v], uint8(v), h)
		require.NoError(t, err)
		qc.AddPart(uint8(v), cert.Sig)
	}
	require.NoError(t, qc.Compute())
	return qc
}

// makeVote signs a vote for h with the given replica's key.
func (e *testEnv) makeVote(t *testing.T, voter int, h Hash) *Vote {
	t.Helper()
	cert, err := NewPartialCert(e.privBLS[voter], uint8(voter), h)
	require.NoError(t, err)
	return &Vote{BlkHash: h, Voter: uint8(voter), Cert: cert}
}

// makeBlock builds a signed block extending parent.
func (e *testEnv) makeBlock(parent *Block, justify *QuorumCert, cmds []Hash, proposer int) *Block {
	blk := NewBlock([]Hash{parent.Hash()}, parent.Height()+1, justify, cmds, uint8(proposer))
	blk.SetSig(sign.SignEd25519(e.privED[proposer], blk.hash[:]))
	return blk
}

type sentMsg struct {
	to      ReplicaID
	op      uint8
	payload []byte
}

// recorder captures outbound frames in place of a transport.
type recorder struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (r *recorder) record(to ReplicaID, op uint8, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sentMsg{to: to, op: op, payload: append([]byte(nil), payload...)})
}

func (r *recorder) count(op uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, m := range r.msgs {
		if m.op == op {
			c++
		}
	}
	return c
}

func (r *recorder) list(op uint8) []sentMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentMsg
	for _, m := range r.msgs {
		if m.op == op {
			out = append(out, m)
		}
	}
	return out
}

// postWait runs fn on the node's event loop and waits for it.
func postWait(n *Node, fn func()) {
	done := make(chan struct{})
	n.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// cmdHash derives a deterministic command hash from a string.
func cmdHash(s string) Hash {
	return Hash(sha256.Sum256([]byte(s)))
}
