package hotstuff

import (
	"time"

	"github.com/pkg/errors"
)

// fetchRetryInterval is how long a ReqBlock may stay unanswered before the
// fetch rotates to the next candidate source.
const fetchRetryInterval = time.Second

// fetchContext is the single pending waiter for one block hash. Concurrent
// fetches of the same hash all join this context.
type fetchContext struct {
	pm         *Promise
	candidates []ReplicaID
	next       int
	contacted  bool
	timer      *time.Timer
}

func (fc *fetchContext) addCandidate(peer ReplicaID) {
	for _, c := range fc.candidates {
		if c == peer {
			return
		}
	}
	fc.candidates = append(fc.candidates, peer)
}

// asyncFetchBlock resolves with the block handle once the block body is
// known locally. With a source it contacts that peer; without one it only
// waits for the block to arrive some other way (e.g. a relayed proposal).
func (n *Node) asyncFetchBlock(h Hash, source *ReplicaID, fetchNow bool) *Promise {
	if n.storage.IsFetched(h) {
		return Resolved(n.loop, n.storage.FindBlock(h))
	}
	fc, ok := n.blkFetchWaiting[h]
	if !ok {
		fc = &fetchContext{pm: NewPromise(n.loop)}
		n.blkFetchWaiting[h] = fc
	}
	if source != nil {
		fc.addCandidate(*source)
		if !fc.contacted && fetchNow {
			n.contactFetchSource(h, fc)
		}
	}
	return fc.pm
}

// contactFetchSource sends one ReqBlock to the current candidate and arms the
// rotation timer. Runs on the loop.
func (n *Node) contactFetchSource(h Hash, fc *fetchContext) {
	if len(fc.candidates) == 0 {
		return
	}
	peer := fc.candidates[fc.next%len(fc.candidates)]
	fc.next++
	fc.contacted = true
	n.logger.Debug("fetching block", "block", h, "from", peer)
	n.send(peer, OpReqBlock, EncodeReqBlock([]Hash{h}))

	if fc.timer != nil {
		fc.timer.Stop()
	}
	fc.timer = time.AfterFunc(fetchRetryInterval, func() {
		n.loop.Post(func() {
			cur, ok := n.blkFetchWaiting[h]
			if !ok || cur != fc {
				return
			}
			// timed out: rotate to the next candidate and try again
			n.contactFetchSource(h, cur)
		})
	})
}

// onFetchBlock resolves the fetch waiter for a block that just arrived.
// The block must already be in storage.
func (n *Node) onFetchBlock(b *Block) {
	n.metrics.Fetched.Inc()
	fc, ok := n.blkFetchWaiting[b.hash]
	if !ok {
		return
	}
	if fc.timer != nil {
		fc.timer.Stop()
	}
	delete(n.blkFetchWaiting, b.hash)
	fc.pm.Resolve(b)
}

// asyncDeliverBlock resolves once the block and its whole ancestry passed
// validation: the proposer signature and justify aggregate check out, the
// justify-referenced block is fetched, and every parent is delivered.
func (n *Node) asyncDeliverBlock(h Hash, source ReplicaID) *Promise {
	if n.storage.IsDelivered(h) {
		return Resolved(n.loop, n.storage.FindBlock(h))
	}
	if pm, ok := n.blkDeliveryWaiting[h]; ok {
		return pm
	}
	pm := NewPromise(n.loop)
	n.blkDeliveryWaiting[h] = pm

	src := source
	n.asyncFetchBlock(h, &src, true).Then(func(v interface{}) {
		blk := v.(*Block)
		if blk.delivered {
			// delivered while we were waiting for the fetch
			n.resolveDelivery(blk)
			return
		}
		pms := make([]*Promise, 0, len(blk.parents)+2)
		blkRef := blk
		pms = append(pms, n.vpool.Submit(func() error { return n.verifyBlock(blkRef) }))
		if blk.justify != nil {
			pms = append(pms, n.asyncFetchBlock(blk.justify.ObjHash(), &src, true))
		}
		for _, ph := range blk.parents {
			pms = append(pms, n.asyncDeliverBlock(ph, source))
		}
		All(n.loop, pms...).Then(func(interface{}) {
			n.onDeliverBlock(blk)
		}).Catch(func(err error) {
			n.logger.Warn("verification failed during async delivery", "block", h, "error", err)
			if w, ok := n.blkDeliveryWaiting[h]; ok {
				delete(n.blkDeliveryWaiting, h)
				w.Reject(err)
			}
		})
	})
	return pm
}

// verifyBlock runs on a crypto worker against immutable block fields.
func (n *Node) verifyBlock(b *Block) error {
	if err := b.VerifyProposerSig(n.rc); err != nil {
		return err
	}
	if b.justify == nil {
		return errors.Errorf("block %s has no justify certificate", b.hash)
	}
	if b.justify.ObjHash() == n.genesis.hash {
		// the genesis certificate is empty and trivially valid
		return nil
	}
	return b.justify.Verify(n.rc)
}

// onDeliverBlock performs the DAG admission of a fetched block whose
// ancestry is complete, then resolves the delivery waiter.
func (n *Node) onDeliverBlock(b *Block) bool {
	if b.delivered {
		n.resolveDelivery(b)
		return true
	}
	for _, p := range b.parents {
		if !n.storage.IsDelivered(p) {
			n.fatal(errors.Errorf("block %s delivered before its parent %s", b.hash, p))
			return false
		}
	}
	parent := n.storage.FindBlock(b.PrimaryParent())
	if parent == nil || b.height != parent.height+1 {
		n.logger.Warn("dropping invalid block", "block", b.hash, "height", b.height)
		if w, ok := n.blkDeliveryWaiting[b.hash]; ok {
			delete(n.blkDeliveryWaiting, b.hash)
			w.Reject(errors.Errorf("block %s has inconsistent height", b.hash))
		}
		return false
	}
	if b.justify != nil && !n.storage.IsFetched(b.justify.ObjHash()) {
		n.fatal(errors.Errorf("block %s delivered before its justify block", b.hash))
		return false
	}

	n.storage.MarkDelivered(b.hash)
	n.metrics.Delivered.Inc()
	n.logger.Debug("block delivered", "block", b.hash, "height", b.height)
	n.resolveDelivery(b)
	return true
}

func (n *Node) resolveDelivery(b *Block) {
	if w, ok := n.blkDeliveryWaiting[b.hash]; ok {
		delete(n.blkDeliveryWaiting, b.hash)
		w.Resolve(b)
	}
}
