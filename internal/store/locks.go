package store

import "sync"

// keyedLocks serializes clause mutations in process. A contract's lock is
// shared by its clause writers and held exclusively by finalization.
type keyedLocks struct {
	mu        sync.Mutex
	contracts map[string]*sync.RWMutex
	clauses   map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		contracts: make(map[string]*sync.RWMutex),
		clauses:   make(map[string]*sync.Mutex),
	}
}

func (k *keyedLocks) contract(contractID string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.contracts[contractID]
	if !ok {
		lock = &sync.RWMutex{}
		k.contracts[contractID] = lock
	}
	return lock
}

func (k *keyedLocks) clause(clauseID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.clauses[clauseID]
	if !ok {
		lock = &sync.Mutex{}
		k.clauses[clauseID] = lock
	}
	return lock
}

func (k *keyedLocks) lockClause(contractID, clauseID string) func() {
	contract := k.contract(contractID)
	contract.RLock()
	clause := k.clause(clauseID)
	clause.Lock()
	return func() {
		clause.Unlock()
		contract.RUnlock()
	}
}

func (k *keyedLocks) lockContract(contractID string) func() {
	contract := k.contract(contractID)
	contract.Lock()
	return contract.Unlock
}
