package admission

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyedSerializer gives the admission pipeline a per-intentHash critical
// section, the same sync.Map[hash]*sync.Mutex discipline the auction
// controller uses for bid admission -- here to make duplicate-submitter
// fairness (spec's "steps 2-8 must appear atomic to duplicate
// submitters") hold without a global lock across unrelated intents.
type keyedSerializer struct {
	locks sync.Map // common.Hash -> *sync.Mutex
}

func (s *keyedSerializer) lock(hash common.Hash) (release func()) {
	actual, _ := s.locks.LoadOrStore(hash, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
