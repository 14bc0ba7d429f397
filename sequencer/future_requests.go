package sequencer

// HeldRequest is a sequencer message that arrived referencing a view
// newer than the one currently installed: it cannot be ignored (it isn't
// stale, it's early), so it is held until that view actually arrives.
type HeldRequest struct {
	ViewId  uint16
	Replay  func()
}

// FutureRequests buffers messages tagged with a view id this sequencer
// hasn't installed yet, grounded on the original's FutureRequestQueue:
// OnNewView releases everything held for the view that just arrived (and
// drops anything held for a view older than that, since it can now never
// arrive having been skipped over).
type FutureRequests struct {
	held map[uint16][]HeldRequest
}

func NewFutureRequests() *FutureRequests {
	return &FutureRequests{held: make(map[uint16][]HeldRequest)}
}

func (f *FutureRequests) OnHoldRequest(viewId uint16, replay func()) {
	f.held[viewId] = append(f.held[viewId], HeldRequest{ViewId: viewId, Replay: replay})
}

// OnNewView returns the requests that were waiting for exactly this view
// and discards any still held for views that preceded it (future
// requests never hold for a view id the cohort has already passed).
func (f *FutureRequests) OnNewView(viewId uint16) []HeldRequest {
	var ready []HeldRequest
	for id, reqs := range f.held {
		if id == viewId {
			ready = append(ready, reqs...)
			delete(f.held, id)
		} else if id < viewId {
			delete(f.held, id)
		}
	}
	return ready
}

func (f *FutureRequests) PendingCount() int {
	n := 0
	for _, reqs := range f.held {
		n += len(reqs)
	}
	return n
}
