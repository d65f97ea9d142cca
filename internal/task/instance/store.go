package instance

import (
	"slices"
	"sync"
	"time"
)

// Observer is notified on every state change with a snapshot of the
// instance. Observers run with the store's notify lock held and must not
// call back into the store.
type Observer interface {
	Observe(inst Instance)
}

type ObserverFunc func(inst Instance)

func (f ObserverFunc) Observe(inst Instance) {
	if f != nil {
		f(inst)
	}
}

// Store keeps instances in memory. Keys are never reused: once created, an
// instance stays in the store whatever its state.
type Store struct {
	mu    sync.Mutex
	items map[Key]*Instance
	byWF  map[string][]Key // ascending logical date

	// nmu is taken before mu is released so observers see transitions in
	// the order they happened.
	nmu       sync.Mutex
	observers []Observer
}

func NewStore(observers ...Observer) *Store {
	return &Store{
		items:     make(map[Key]*Instance),
		byWF:      make(map[string][]Key),
		observers: slices.DeleteFunc(slices.Clone(observers), func(o Observer) bool { return o == nil }),
	}
}

// AddObserver registers o. Call it before the store is shared.
func (s *Store) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.nmu.Lock()
	s.observers = append(s.observers, o)
	s.nmu.Unlock()
}

// unlockAndNotify releases mu and delivers snap.
func (s *Store) unlockAndNotify(snap Instance) {
	s.nmu.Lock()
	s.mu.Unlock()
	for _, o := range s.observers {
		o.Observe(snap.Clone())
	}
	s.nmu.Unlock()
}

// Create adds a Scheduled instance for key unless one exists. It returns
// the stored instance and whether it was created by this call.
func (s *Store) Create(key Key, maxAttempts int, now time.Time) (Instance, bool) {
	key = NewKey(key.WorkflowID, key.LogicalDate, key.TaskID)

	s.mu.Lock()
	if cur, ok := s.items[key]; ok {
		out := cur.Clone()
		s.mu.Unlock()
		return out, false
	}
	inst := New(key, maxAttempts, now)
	s.insertLocked(&inst)
	snap := inst.Clone()
	s.unlockAndNotify(snap)
	return snap, true
}

func (s *Store) insertLocked(inst *Instance) {
	s.items[inst.Key] = inst
	keys := s.byWF[inst.Key.WorkflowID]
	idx, _ := slices.BinarySearchFunc(keys, inst.Key, compareKeys)
	s.byWF[inst.Key.WorkflowID] = slices.Insert(keys, idx, inst.Key)
}

func compareKeys(a, b Key) int {
	if c := a.LogicalDate.Compare(b.LogicalDate); c != 0 {
		return c
	}
	switch {
	case a.TaskID < b.TaskID:
		return -1
	case a.TaskID > b.TaskID:
		return 1
	}
	return 0
}

// Restore inserts a previously persisted instance as-is, without notifying
// observers. It reports false when the key already exists.
func (s *Store) Restore(inst Instance) bool {
	inst = inst.Clone()
	inst.Key = NewKey(inst.Key.WorkflowID, inst.Key.LogicalDate, inst.Key.TaskID)
	if inst.ID == "" {
		inst.ID = newID()
	}
	if inst.RunID == "" {
		inst.RunID = RunID(inst.Key.LogicalDate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[inst.Key]; ok {
		return false
	}
	s.insertLocked(&inst)
	return true
}

func (s *Store) Get(key Key) (Instance, bool) {
	key = NewKey(key.WorkflowID, key.LogicalDate, key.TaskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if !ok {
		return Instance{}, false
	}
	return cur.Clone(), true
}

// List returns the instances of a workflow by ascending logical date.
func (s *Store) List(workflowID string) []Instance {
	return s.filter(workflowID, nil)
}

// Pending returns the Scheduled instances of a workflow by ascending
// logical date.
func (s *Store) Pending(workflowID string) []Instance {
	return s.filter(workflowID, func(i *Instance) bool { return i.State == Scheduled })
}

func (s *Store) filter(workflowID string, keep func(*Instance) bool) []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.byWF[workflowID]
	out := make([]Instance, 0, len(keys))
	for _, k := range keys {
		inst := s.items[k]
		if keep == nil || keep(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// Len returns the number of instances across all workflows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Claim atomically moves a Scheduled instance to Running. Any other state
// yields a *ConcurrencyViolationError.
func (s *Store) Claim(key Key, now time.Time) (Instance, error) {
	key = NewKey(key.WorkflowID, key.LogicalDate, key.TaskID)

	s.mu.Lock()
	cur, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return Instance{}, ErrUnknownInstance
	}
	if cur.State != Scheduled {
		st := cur.State
		s.mu.Unlock()
		return Instance{}, &ConcurrencyViolationError{Key: key, State: st, Op: "claim"}
	}
	if err := cur.Start(now); err != nil {
		s.mu.Unlock()
		return Instance{}, err
	}
	snap := cur.Clone()
	s.unlockAndNotify(snap)
	return snap, nil
}

// Complete applies fn to the stored instance under the store lock and
// reports the result to observers. When fn fails the instance is left
// untouched.
func (s *Store) Complete(key Key, fn func(inst *Instance) error) (Instance, error) {
	key = NewKey(key.WorkflowID, key.LogicalDate, key.TaskID)

	s.mu.Lock()
	cur, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		return Instance{}, ErrUnknownInstance
	}
	work := cur.Clone()
	if err := fn(&work); err != nil {
		s.mu.Unlock()
		return Instance{}, err
	}
	work.Key = cur.Key
	*cur = work
	snap := cur.Clone()
	s.unlockAndNotify(snap)
	return snap, nil
}
