package session

import "sync"

// Tree is the session's process tree handle: the spawned target and every
// descendant observed during the run. Only the controller commits membership
// changes; collectors read snapshots.
type Tree struct {
	mu   sync.RWMutex
	root int
	pids []int
	set  map[int]struct{}
}

// NewTree creates a tree rooted at the target's pid.
func NewTree(root int) *Tree {
	return &Tree{
		root: root,
		pids: []int{root},
		set:  map[int]struct{}{root: {}},
	}
}

// Root returns the tree root pid.
func (t *Tree) Root() int {
	return t.root
}

// Add commits a new member. It returns false when the pid was already a
// member.
func (t *Tree) Add(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[pid]; ok {
		return false
	}
	t.set[pid] = struct{}{}
	t.pids = append(t.pids, pid)
	return true
}

// Remove drops a member after termination.
func (t *Tree) Remove(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.set[pid]; !ok {
		return false
	}
	delete(t.set, pid)
	for i, p := range t.pids {
		if p == pid {
			t.pids = append(t.pids[:i], t.pids[i+1:]...)
			break
		}
	}
	return true
}

// PIDs returns a snapshot of the membership, root first.
func (t *Tree) PIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, len(t.pids))
	copy(out, t.pids)
	return out
}

// Has reports membership.
func (t *Tree) Has(pid int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[pid]
	return ok
}

// Empty reports whether every member has exited or been killed.
func (t *Tree) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pids) == 0
}
