package state

// Action names counted per volume.
const (
	ActionMerge    = "Merge"
	ActionApply    = "Apply"
	ActionRestore  = "Restore"
	ActionReplSync = "ReplSync"
	ActionResize   = "Resize"
	ActionSend     = "WdiffSend"
)

// ActionCounter tracks named in-flight actions for one volume.
// Actions coexist with stable states; destructive transitions require
// the relevant counters to be zero.
type ActionCounter struct {
	lock   *VolumeLock
	counts map[string]int
}

// NewActionCounter builds a counter over the volume lock.
func NewActionCounter(lock *VolumeLock) *ActionCounter {
	return &ActionCounter{lock: lock, counts: make(map[string]int)}
}

// Begin increments the named action and returns its token. The caller
// must hold the volume lock.
func (ac *ActionCounter) Begin(name string) *ActionToken {
	ac.counts[name]++
	return &ActionToken{ac: ac, name: name}
}

// Get returns the count of one action. The caller must hold the
// volume lock.
func (ac *ActionCounter) Get(name string) int { return ac.counts[name] }

// GetMap returns a copy of all non-zero counters. The caller must
// hold the volume lock.
func (ac *ActionCounter) GetMap() map[string]int {
	out := make(map[string]int, len(ac.counts))
	for k, v := range ac.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// IsAllZero reports whether none of the named actions are running.
// The caller must hold the volume lock.
func (ac *ActionCounter) IsAllZero(names []string) bool {
	for _, n := range names {
		if ac.counts[n] > 0 {
			return false
		}
	}
	return true
}

// ActionToken brackets one in-flight action.
type ActionToken struct {
	ac    *ActionCounter
	name  string
	ended bool
}

// End decrements the action. Idempotent; the caller must hold the
// volume lock.
func (t *ActionToken) End() {
	if t.ended {
		return
	}
	t.ended = true
	t.ac.counts[t.name]--
	if t.ac.counts[t.name] <= 0 {
		delete(t.ac.counts, t.name)
	}
	t.ac.lock.Broadcast()
}
