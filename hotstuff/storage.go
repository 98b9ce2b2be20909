package hotstuff

import (
	lru "github.com/hashicorp/golang-lru"
)

// decidedCmdCacheSize bounds the cache answering re-submissions of already
// committed commands.
const decidedCmdCacheSize = 65536

// BlockStorage is the content-addressed block map. Blocks are shared by
// pointer; a block lives as long as any component holds it. All access runs
// on the event loop.
type BlockStorage struct {
	blocks   map[Hash]*Block
	cmdCache *lru.Cache // cmd hash -> *Finality
}

// NewBlockStorage creates an empty store.
func NewBlockStorage() *BlockStorage {
	cache, err := lru.New(decidedCmdCacheSize)
	if err != nil {
		panic(err)
	}
	return &BlockStorage{
		blocks:   make(map[Hash]*Block),
		cmdCache: cache,
	}
}

// AddBlock inserts the block and marks it fetched. If a block with the same
// hash is already present, the existing handle wins so runtime state
// (delivered, decided) is never forked.
func (s *BlockStorage) AddBlock(b *Block) *Block {
	if old, ok := s.blocks[b.hash]; ok {
		return old
	}
	b.fetched = true
	s.blocks[b.hash] = b
	return b
}

// FindBlock returns the block for the hash, or nil.
func (s *BlockStorage) FindBlock(h Hash) *Block {
	return s.blocks[h]
}

// IsFetched reports whether the block body is present.
func (s *BlockStorage) IsFetched(h Hash) bool {
	b, ok := s.blocks[h]
	return ok && b.fetched
}

// IsDelivered reports whether the block passed DAG validation.
func (s *BlockStorage) IsDelivered(h Hash) bool {
	b, ok := s.blocks[h]
	return ok && b.delivered
}

// MarkDelivered flips the delivered flag; the block must be present.
func (s *BlockStorage) MarkDelivered(h Hash) {
	s.blocks[h].delivered = true
}

// Len returns the number of stored blocks.
func (s *BlockStorage) Len() int {
	return len(s.blocks)
}

// AddDecidedCmd caches the finality of a committed command.
func (s *BlockStorage) AddDecidedCmd(fin *Finality) {
	s.cmdCache.Add(fin.CmdHash, fin)
}

// LookupDecidedCmd answers from the decided-command cache.
func (s *BlockStorage) LookupDecidedCmd(cmd Hash) (*Finality, bool) {
	v, ok := s.cmdCache.Get(cmd)
	if !ok {
		return nil, false
	}
	return v.(*Finality), true
}
