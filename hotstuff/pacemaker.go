package hotstuff

// Pacemaker is the view/leader policy the core consumes. It is a capability
// set, not a base type: any implementation providing these operations works.
type Pacemaker interface {
	Init(n *Node)
	GetProposer() ReplicaID
	// Beat resolves with the proposer id when the next batch may be proposed.
	Beat() *Promise
	// BeatResp resolves when a follower may release its vote for the
	// proposer's block.
	BeatResp(proposer ReplicaID) *Promise
	// GetParents lists the parent hashes for a new proposal; the first entry
	// is the primary parent.
	GetParents() []Hash
	OnConsensus(b *Block)
	OnReceiveProposal(b *Block)
	OnQCFinish(b *Block)
	OnHqcUpdate(b *Block)
}

// StaticPacemaker keeps replica 0 as the proposer forever. Beats are gated on
// the previous proposal reaching its certificate, so proposals chain with
// direct-parent QCs and the three-chain rule can fire.
type StaticPacemaker struct {
	node    *Node
	pending []*Promise
}

// NewStaticPacemaker returns the fixed-leader policy.
func NewStaticPacemaker() *StaticPacemaker {
	return &StaticPacemaker{}
}

func (pm *StaticPacemaker) Init(n *Node) { pm.node = n }

func (pm *StaticPacemaker) GetProposer() ReplicaID { return 0 }

func (pm *StaticPacemaker) ready() bool {
	return pm.node.bLeaf == pm.node.hqcBlock
}

func (pm *StaticPacemaker) Beat() *Promise {
	p := NewPromise(pm.node.loop)
	if pm.ready() {
		p.Resolve(pm.GetProposer())
		return p
	}
	pm.pending = append(pm.pending, p)
	return p
}

func (pm *StaticPacemaker) BeatResp(proposer ReplicaID) *Promise {
	return Resolved(pm.node.loop, proposer)
}

func (pm *StaticPacemaker) GetParents() []Hash {
	return []Hash{pm.node.bLeaf.hash}
}

func (pm *StaticPacemaker) maybeBeat() {
	for pm.ready() && len(pm.pending) > 0 {
		p := pm.pending[0]
		pm.pending = pm.pending[1:]
		p.Resolve(pm.GetProposer())
	}
}

func (pm *StaticPacemaker) OnConsensus(b *Block)       {}
func (pm *StaticPacemaker) OnReceiveProposal(b *Block) {}
func (pm *StaticPacemaker) OnQCFinish(b *Block)        { pm.maybeBeat() }
func (pm *StaticPacemaker) OnHqcUpdate(b *Block)       { pm.maybeBeat() }

// RoundRobinPacemaker rotates the proposer with the height of the highest
// certified block. Vote aggregation still climbs to replica 0, which forms
// the certificate regardless of who proposed.
type RoundRobinPacemaker struct {
	node    *Node
	pending []*Promise
}

// NewRoundRobinPacemaker returns the rotating-leader policy.
func NewRoundRobinPacemaker() *RoundRobinPacemaker {
	return &RoundRobinPacemaker{}
}

func (pm *RoundRobinPacemaker) Init(n *Node) { pm.node = n }

func (pm *RoundRobinPacemaker) GetProposer() ReplicaID {
	return ReplicaID(int(pm.node.hqcBlock.height+1) % pm.node.rc.N)
}

func (pm *RoundRobinPacemaker) ready() bool {
	return pm.node.bLeaf == pm.node.hqcBlock
}

func (pm *RoundRobinPacemaker) Beat() *Promise {
	p := NewPromise(pm.node.loop)
	if pm.ready() {
		p.Resolve(pm.GetProposer())
		return p
	}
	pm.pending = append(pm.pending, p)
	return p
}

func (pm *RoundRobinPacemaker) BeatResp(proposer ReplicaID) *Promise {
	return Resolved(pm.node.loop, proposer)
}

func (pm *RoundRobinPacemaker) GetParents() []Hash {
	return []Hash{pm.node.bLeaf.hash}
}

func (pm *RoundRobinPacemaker) maybeBeat() {
	for pm.ready() && len(pm.pending) > 0 {
		p := pm.pending[0]
		pm.pending = pm.pending[1:]
		p.Resolve(pm.GetProposer())
	}
}

func (pm *RoundRobinPacemaker) OnConsensus(b *Block)       {}
func (pm *RoundRobinPacemaker) OnReceiveProposal(b *Block) {}
func (pm *RoundRobinPacemaker) OnQCFinish(b *Block)        { pm.maybeBeat() }
func (pm *RoundRobinPacemaker) OnHqcUpdate(b *Block)       { pm.maybeBeat() }
