package hotstuff

import "math"

// TreeOverlay is one replica's view of the aggregation tree. Replicas are
// numbered 0..n-1 in bootstrap order; replica 0 is the root. Assignment is
// breadth-first with branching factor fanout; when the last level cannot be
// filled, the remaining replicas are divided evenly among the remaining
// parents of the previous level, so all leaves sit on the last two depths.
type TreeOverlay struct {
	ID             ReplicaID
	Parent         ReplicaID // the root keeps itself as parent
	DirectChildren []ReplicaID

	// Descendants is the transitive child set: every replica whose votes this
	// node is responsible for folding into one partial certificate.
	Descendants map[ReplicaID]bool
}

// BuildTreeOverlay computes the overlay for one replica.
func BuildTreeOverlay(n, fanout int, id ReplicaID) *TreeOverlay {
	t := &TreeOverlay{
		ID:          id,
		Parent:      0,
		Descendants: make(map[ReplicaID]bool),
	}

	parent := 0
	level := 0
	maxFanout := fanout
	currentChildren := 0
	preLevel := 0

	for i := 0; i < n; i++ {
		remaining := n - i
		processesOnLevel := int(math.Ceil(math.Pow(float64(fanout), float64(level))))

		if i != 0 {
			currentChildren++
		}
		if currentChildren > maxFanout {
			parent++
			currentChildren = 1
		}

		if fanout < n && currentChildren == 1 && processesOnLevel > remaining {
			// the level cannot be filled: split what is left evenly among the
			// parents that have not been assigned children yet
			previousProcesses := 0
			for l := 0; l < level-1; l++ {
				previousProcesses += int(math.Ceil(math.Pow(float64(fanout), float64(l))))
			}
			doneParents := parent - previousProcesses
			parentsOnLevel := int(math.Ceil(math.Pow(float64(fanout), float64(level-1))))
			if left := parentsOnLevel - doneParents; left > 0 {
				maxFanout = remaining / left
			}
		}

		if int(id) == parent {
			if int(id) != i {
				t.DirectChildren = append(t.DirectChildren, ReplicaID(i))
				t.Descendants[ReplicaID(i)] = true
			}
		} else if int(id) == i {
			t.Parent = ReplicaID(parent)
		} else if i != 0 && t.Descendants[ReplicaID(parent)] {
			t.Descendants[ReplicaID(i)] = true
		}

		if i == int(math.Pow(float64(fanout), float64(level)))+preLevel {
			preLevel = int(math.Pow(float64(fanout), float64(level)))
			level++
		}
	}

	return t
}

// IsRoot reports whether this replica is the aggregation root.
func (t *TreeOverlay) IsRoot() bool {
	return t.ID == 0
}

// IsLeaf reports whether this replica has no children to aggregate for.
func (t *TreeOverlay) IsLeaf() bool {
	return len(t.DirectChildren) == 0
}

// NumberOfChildren is the transitive descendant count.
func (t *TreeOverlay) NumberOfChildren() int {
	return len(t.Descendants)
}

// RelayThreshold is the partial count at which an internal node aggregates
// and relays: every descendant plus its own share.
func (t *TreeOverlay) RelayThreshold() int {
	return t.NumberOfChildren() + 1
}

// Neighbors lists the replicas this node keeps connections to: its parent
// (unless root) and its direct children.
func (t *TreeOverlay) Neighbors() []ReplicaID {
	var peers []ReplicaID
	if !t.IsRoot() {
		peers = append(peers, t.Parent)
	}
	peers = append(peers, t.DirectChildren...)
	return peers
}
