package hotstuff

import (
	"crypto/ed25519"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"

	"github.com/kauribft/kauri/config"
	"github.com/kauribft/kauri/conn"
)

// Node is one replica of the replication engine. All protocol state below the
// transport is owned by the event loop; goroutines outside the loop interact
// through Post, ExecCommand and the promise continuations.
type Node struct {
	name string
	id   ReplicaID
	rc   *ReplicaConfig

	privKeyED  ed25519.PrivateKey
	privKeyBLS kyber.Scalar

	logger  hclog.Logger
	loop    *EventLoop
	vpool   *CryptoPool
	storage *BlockStorage
	tree    *TreeOverlay
	pmaker  Pacemaker
	trans   *conn.NetworkTransport
	metrics *Metrics

	maxPool  int
	isFaulty bool // a faulty node stays silent, for fault-injection runs
	genesis  *Block

	// consensus state
	bLock    *Block
	bExec    *Block
	bLeaf    *Block
	hqcBlock *Block
	hqc      *QuorumCert
	vheight  uint32

	// vote aggregation, keyed by block hash
	aggStates map[Hash]*aggState

	// fetch/delivery pipeline
	blkFetchWaiting    map[Hash]*fetchContext
	blkDeliveryWaiting map[Hash]*Promise

	// command queue
	decisionWaiting map[Hash]func(*Finality)
	cmdBuffer       []Hash

	// sendFn dispatches one frame; tests substitute a recorder here
	sendFn func(to ReplicaID, op uint8, payload []byte)

	fatalCh   chan error
	quitCh    chan struct{}
	closeOnce sync.Once
}

// NewNode builds a replica from its configuration. The pacemaker is injected
// so the two canonical policies (static, round-robin) stay interchangeable.
func NewNode(conf *config.Config, pmaker Pacemaker) (*Node, error) {
	nReplicas := conf.N()
	replicas := make([]ReplicaInfo, nReplicas)
	for i := 0; i < nReplicas; i++ {
		name := config.ReplicaName(uint8(i))
		pubED, ok := conf.PublicKeyMap[name]
		if !ok {
			return nil, errors.Errorf("missing ED25519 public key for %s", name)
		}
		pubBLS, ok := conf.BlsPubKeyMap[name]
		if !ok {
			return nil, errors.Errorf("missing BLS public key for %s", name)
		}
		replicas[i] = ReplicaInfo{
			ID:        ReplicaID(i),
			Addr:      conf.AddrWithPortOfID(uint8(i)),
			PubKeyED:  pubED,
			PubKeyBLS: pubBLS,
			CertHash:  conf.TLSCertHashMap[name],
		}
	}

	rc := NewReplicaConfig(replicas, conf.Fanout, conf.BlkSize)
	loop := NewEventLoop()

	n := &Node{
		name:               conf.Name,
		id:                 conf.ID(),
		rc:                 rc,
		privKeyED:          conf.PrivateKey,
		privKeyBLS:         conf.BlsPrivateKey,
		loop:               loop,
		vpool:              NewCryptoPool(loop, conf.NWorker),
		storage:            NewBlockStorage(),
		tree:               BuildTreeOverlay(nReplicas, conf.Fanout, conf.ID()),
		pmaker:             pmaker,
		metrics:            NewMetrics(),
		maxPool:            conf.MaxPool,
		isFaulty:           conf.IsFaulty,
		aggStates:          make(map[Hash]*aggState),
		blkFetchWaiting:    make(map[Hash]*fetchContext),
		blkDeliveryWaiting: make(map[Hash]*Promise),
		decisionWaiting:    make(map[Hash]func(*Finality)),
		fatalCh:            make(chan error, 1),
		quitCh:             make(chan struct{}),
	}
	n.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "kauri-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	n.sendFn = n.networkSend

	n.genesis = NewBlock(nil, 0, nil, nil, 0)
	n.genesis = n.storage.AddBlock(n.genesis)
	n.genesis.delivered = true
	n.genesis.decision = true

	n.bLock = n.genesis
	n.bExec = n.genesis
	n.bLeaf = n.genesis
	n.hqcBlock = n.genesis
	n.hqc = NewQuorumCert(n.genesis.hash)

	pmaker.Init(n)
	return n, nil
}

// ID returns the replica id.
func (n *Node) ID() ReplicaID { return n.id }

// Tree returns the replica's overlay view.
func (n *Node) Tree() *TreeOverlay { return n.tree }

// Metrics returns the node's counters.
func (n *Node) Metrics() *Metrics { return n.metrics }

// Fatal delivers the first unrecoverable protocol error.
func (n *Node) Fatal() <-chan error { return n.fatalCh }

// StartP2PListen binds the p2p transport.
func (n *Node) StartP2PListen() error {
	trans, err := conn.NewTCPTransport(":"+strconv.Itoa(portOf(n.rc.Replicas[n.id].Addr)),
		30*time.Second, nil, n.maxPool)
	if err != nil {
		return err
	}
	n.trans = trans
	return nil
}

func portOf(addrWithPort string) int {
	for i := len(addrWithPort) - 1; i >= 0; i-- {
		if addrWithPort[i] == ':' {
			p, err := strconv.Atoi(addrWithPort[i+1:])
			if err != nil {
				return 0
			}
			return p
		}
	}
	return 0
}

// EstablishP2PConns dials the tree neighbors only (parent and children),
// each after a small randomized delay so a cluster start does not stampede.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	peers := n.tree.Neighbors()
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	for _, peer := range peers {
		time.Sleep(time.Duration(rand.Intn(20)+1) * time.Millisecond)
		target := n.rc.Replicas[peer].Addr
		connect, err := n.trans.GetConn(target)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(connect); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", target)
	}
	return nil
}

// Start runs the event loop and the message pump.
func (n *Node) Start() {
	go n.loop.Run()
	if n.trans != nil {
		go n.handleMsgLoop()
	}
}

// Close shuts the node down.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.quitCh)
		if n.trans != nil {
			_ = n.trans.Close()
		}
		n.loop.Stop()
		n.vpool.Close()
	})
}

// fatal logs an unrecoverable protocol error and hands the first one to the
// Fatal channel. It does not stop the node itself.
func (n *Node) fatal(err error) {
	n.logger.Error("fatal protocol error", "error", err)
	select {
	case n.fatalCh <- err:
	default:
	}
}

// BlockDecided reports whether the block committed on this replica. Like
// ExecHeight it synchronizes with the event loop.
func (n *Node) BlockDecided(h Hash) bool {
	ch := make(chan bool, 1)
	n.loop.Post(func() {
		b := n.storage.FindBlock(h)
		ch <- b != nil && b.decision
	})
	select {
	case ok := <-ch:
		return ok
	case <-n.quitCh:
		return false
	}
}

// ExecHeight reports the height of the last executed block. It synchronizes
// with the event loop, so it must not be called from loop tasks.
func (n *Node) ExecHeight() uint32 {
	ch := make(chan uint32, 1)
	n.loop.Post(func() { ch <- n.bExec.height })
	select {
	case h := <-ch:
		return h
	case <-n.quitCh:
		return 0
	}
}
