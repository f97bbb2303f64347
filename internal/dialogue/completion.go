package dialogue

import "sync/atomic"

// CompletionGuard is the single Uncompleted -> Completed transition of a
// lesson. Both the text marker and the progress feed go through Enter.
type CompletionGuard struct {
	done atomic.Bool
}

// Enter reports true exactly once, for the caller that performs the
// transition.
func (g *CompletionGuard) Enter() bool {
	return g.done.CompareAndSwap(false, true)
}

func (g *CompletionGuard) Completed() bool {
	return g.done.Load()
}
