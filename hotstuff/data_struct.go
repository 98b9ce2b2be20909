package hotstuff

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/sign"
)

// ReplicaID identifies a replica by its index in the canonical bootstrap list.
type ReplicaID = uint8

// Hash is a 32-byte content address.
type Hash [32]byte

// ZeroHash is the all-zero hash.
var ZeroHash Hash

// String renders a short hex prefix, enough for logs.
func (h Hash) String() string {
	return hex.EncodeToString(h[:4])
}

// ReplicaInfo is one entry of the bootstrap list.
type ReplicaInfo struct {
	ID        ReplicaID
	Addr      string
	PubKeyED  ed25519.PublicKey
	PubKeyBLS kyber.Point
	CertHash  string
}

// ReplicaConfig holds the cluster constants every component consults.
type ReplicaConfig struct {
	Replicas  []ReplicaInfo // indexed by replica id
	N         int
	F         int
	NMajority int // 2f+1
	Fanout    int
	BlkSize   int
}

// NewReplicaConfig derives the quorum constants from the bootstrap list.
func NewReplicaConfig(replicas []ReplicaInfo, fanout, blkSize int) *ReplicaConfig {
	n := len(replicas)
	f := (n - 1) / 3
	return &ReplicaConfig{
		Replicas:  replicas,
		N:         n,
		F:         f,
		NMajority: 2*f + 1,
		Fanout:    fanout,
		BlkSize:   blkSize,
	}
}

// Block is the immutable unit of the DAG. The first parent is the primary
// parent; justify certifies a (usually different) ancestor.
type Block struct {
	height   uint32
	parents  []Hash
	justify  *QuorumCert
	cmds     []Hash
	proposer ReplicaID
	sig      []byte
	hash     Hash

	// runtime state, owned by the event loop
	fetched   bool
	delivered bool
	decision  bool
}

// NewBlock creates a content-addressed block. The proposer signature is
// attached separately by the proposer.
func NewBlock(parents []Hash, height uint32, justify *QuorumCert, cmds []Hash, proposer ReplicaID) *Block {
	b := &Block{
		height:   height,
		parents:  parents,
		justify:  justify,
		cmds:     cmds,
		proposer: proposer,
	}
	b.hash = b.computeHash()
	return b
}

func (b *Block) computeHash() Hash {
	h := sha256.New()
	for _, p := range b.parents {
		h.Write(p[:])
	}
	var heightBuf [4]byte
	binary.LittleEndian.PutUint32(heightBuf[:], b.height)
	h.Write(heightBuf[:])
	if b.justify != nil {
		h.Write(b.justify.objHash[:])
	} else {
		h.Write(ZeroHash[:])
	}
	for _, c := range b.cmds {
		h.Write(c[:])
	}
	h.Write([]byte{b.proposer})
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (b *Block) Hash() Hash           { return b.hash }
func (b *Block) Height() uint32       { return b.height }
func (b *Block) Parents() []Hash      { return b.parents }
func (b *Block) Justify() *QuorumCert { return b.justify }
func (b *Block) Cmds() []Hash         { return b.cmds }
func (b *Block) Proposer() ReplicaID  { return b.proposer }
func (b *Block) Sig() []byte          { return b.sig }

// PrimaryParent returns the hash of the first parent, or ZeroHash for the
// genesis block.
func (b *Block) PrimaryParent() Hash {
	if len(b.parents) == 0 {
		return ZeroHash
	}
	return b.parents[0]
}

// SetSig attaches the proposer's ED25519 signature over the block hash.
func (b *Block) SetSig(sig []byte) { b.sig = sig }

// VerifyProposerSig checks the proposer signature against the bootstrap key.
func (b *Block) VerifyProposerSig(rc *ReplicaConfig) error {
	if int(b.proposer) >= rc.N {
		return errors.Errorf("block %s names unknown proposer %d", b.hash, b.proposer)
	}
	ok, err := sign.VerifySignEd25519(rc.Replicas[b.proposer].PubKeyED, b.hash[:], b.sig)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("invalid proposer signature on block %s", b.hash)
	}
	return nil
}

// PartialCert is a single replica's signature share on a block hash.
type PartialCert struct {
	ObjHash Hash
	Voter   ReplicaID
	Sig     []byte
}

// NewPartialCert signs the block hash with the replica's BLS key.
func NewPartialCert(privKey kyber.Scalar, voter ReplicaID, objHash Hash) (*PartialCert, error) {
	sig, err := sign.SignBLSPartial(privKey, objHash[:])
	if err != nil {
		return nil, err
	}
	return &PartialCert{ObjHash: objHash, Voter: voter, Sig: sig}, nil
}

// Verify checks the partial against the voter's public key.
func (pc *PartialCert) Verify(rc *ReplicaConfig) error {
	if int(pc.Voter) >= rc.N {
		return errors.Errorf("partial names unknown voter %d", pc.Voter)
	}
	return sign.VerifyBLSPartial(rc.Replicas[pc.Voter].PubKeyBLS, pc.ObjHash[:], pc.Sig)
}

// Vote carries one replica's partial certificate up the tree.
type Vote struct {
	BlkHash Hash
	Voter   ReplicaID
	Cert    *PartialCert
}

// VoteRelay carries an already-aggregated partial QC from a subtree root to
// its tree parent.
type VoteRelay struct {
	BlkHash Hash
	Cert    *QuorumCert
}

// Proposal is a block together with the proposing replica.
type Proposal struct {
	Proposer ReplicaID
	Blk      *Block
}

// Finality is handed to the state machine when a command commits.
type Finality struct {
	ReplicaID ReplicaID
	Decision  int8
	CmdIdx    uint32
	BlkHeight uint32
	CmdHash   Hash
	BlkHash   Hash
}

// QuorumCert accumulates partial signatures on one block hash. aggregated is
// set by Compute or by decoding from the wire; MergeQuorum clears it, AddPart
// does not.
type QuorumCert struct {
	objHash    Hash
	partials   map[ReplicaID][]byte
	aggregated []byte
}

// NewQuorumCert creates an empty certificate for the block hash.
func NewQuorumCert(objHash Hash) *QuorumCert {
	return &QuorumCert{
		objHash:  objHash,
		partials: make(map[ReplicaID][]byte),
	}
}

func (qc *QuorumCert) ObjHash() Hash      { return qc.objHash }
func (qc *QuorumCert) Aggregated() []byte { return qc.aggregated }

// AddPart records a voter's partial. A duplicate with an identical signature
// is a no-op; a conflicting duplicate keeps the first and reports false.
func (qc *QuorumCert) AddPart(voter ReplicaID, sig []byte) bool {
	if old, ok := qc.partials[voter]; ok {
		return bytes.Equal(old, sig)
	}
	qc.partials[voter] = append([]byte(nil), sig...)
	return true
}

// HasN reports whether at least n distinct voters have contributed.
func (qc *QuorumCert) HasN(n int) bool {
	return len(qc.partials) >= n
}

// Size returns the number of distinct voters.
func (qc *QuorumCert) Size() int {
	return len(qc.partials)
}

// Voters lists contributing replica ids in ascending order.
func (qc *QuorumCert) Voters() []ReplicaID {
	voters := make([]ReplicaID, 0, len(qc.partials))
	for id := range qc.partials {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	return voters
}

// MergeQuorum takes the union of the other certificate's partials, keyed by
// voter id. Identical duplicates are dropped; a conflicting duplicate for the
// same voter is a protocol error.
func (qc *QuorumCert) MergeQuorum(other *QuorumCert) error {
	if qc.objHash != other.objHash {
		return errors.Errorf("cannot merge certificates over %s and %s", qc.objHash, other.objHash)
	}
	for voter, sig := range other.partials {
		if old, ok := qc.partials[voter]; ok && !bytes.Equal(old, sig) {
			return errors.Errorf("conflicting partials from voter %d on block %s", voter, qc.objHash)
		}
	}
	for voter, sig := range other.partials {
		if _, ok := qc.partials[voter]; ok {
			continue
		}
		qc.partials[voter] = append([]byte(nil), sig...)
	}
	// a merge invalidates any previously computed aggregate
	qc.aggregated = nil
	return nil
}

// Compute aggregates the accumulated partials.
func (qc *QuorumCert) Compute() error {
	if len(qc.partials) == 0 {
		return errors.Errorf("no partials to aggregate for block %s", qc.objHash)
	}
	sigs := make([][]byte, 0, len(qc.partials))
	for _, id := range qc.Voters() {
		sigs = append(sigs, qc.partials[id])
	}
	agg, err := sign.AggregateSigs(sigs...)
	if err != nil {
		return errors.Wrapf(err, "fail to aggregate certificate for block %s", qc.objHash)
	}
	qc.aggregated = agg
	return nil
}

// Verify checks the aggregated signature against the contributing voters'
// public keys. Compute must have been called.
func (qc *QuorumCert) Verify(rc *ReplicaConfig) error {
	if qc.aggregated == nil {
		return errors.Errorf("certificate for block %s has no aggregate", qc.objHash)
	}
	pubs := make([]kyber.Point, 0, len(qc.partials))
	for _, id := range qc.Voters() {
		if int(id) >= rc.N {
			return errors.Errorf("certificate names unknown voter %d", id)
		}
		pubs = append(pubs, rc.Replicas[id].PubKeyBLS)
	}
	return sign.VerifyAggregate(pubs, qc.objHash[:], qc.aggregated)
}

// Clone deep-copies the certificate.
func (qc *QuorumCert) Clone() *QuorumCert {
	cp := NewQuorumCert(qc.objHash)
	for voter, sig := range qc.partials {
		cp.partials[voter] = append([]byte(nil), sig...)
	}
	if qc.aggregated != nil {
		cp.aggregated = append([]byte(nil), qc.aggregated...)
	}
	return cp
}
