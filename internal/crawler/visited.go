package crawler

// NodeState tracks a path through a single traversal.
type NodeState uint8

const (
	Unvisited NodeState = iota
	Visiting
	Done
)

func (s NodeState) String() string {
	switch s {
	case Visiting:
		return "visiting"
	case Done:
		return "done"
	default:
		return "unvisited"
	}
}

// VisitedSet records every path dispatched during one walk. It only grows, and it belongs to
// a single Walker, which runs on one goroutine.
type VisitedSet struct {
	states map[string]NodeState
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{states: make(map[string]NodeState)}
}

// Begin moves path to Visiting. It returns false if the path was already seen.
func (v *VisitedSet) Begin(path string) bool {
	if _, ok := v.states[path]; ok {
		return false
	}
	v.states[path] = Visiting
	return true
}

// Finish marks a path as fully processed.
func (v *VisitedSet) Finish(path string) {
	if _, ok := v.states[path]; ok {
		v.states[path] = Done
	}
}

// Has reports whether path was dispatched.
func (v *VisitedSet) Has(path string) bool {
	_, ok := v.states[path]
	return ok
}

// State returns the current state of path.
func (v *VisitedSet) State(path string) NodeState {
	return v.states[path]
}

// Len returns the number of distinct paths seen.
func (v *VisitedSet) Len() int {
	return len(v.states)
}
