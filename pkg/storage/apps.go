package storage

// appState is the driver's per-application record.
//
// Records are created lazily the first time an identity touches the
// driver and live for the lifetime of the driver. The assigned region,
// once set, is never cleared.
type appState struct {
	// id is the application's stable identifier
	id uint32

	// fixed records the identity kind seen at first contact
	fixed bool

	// hasRequested is set by the first Initialize call and never cleared
	hasRequested bool

	// waiting is set while an Initialize is outstanding: the next
	// directory traversal to reach this app's header (or the frontier)
	// completes it. Cleared on assignment or on a failure notification.
	waiting bool

	// region is the assigned storage window, nil until discovery or
	// allocation succeeds
	region *Region

	// pending is the app's depth-1 request slot
	pending *pendingRequest
}

// appTable maps identities to per-application records in first-touch
// order.
//
// Iteration order matters: the queue drainer and the allocator both
// scan "in table order", and Go map iteration is randomized, so the
// table keeps an explicit insertion-ordered slice alongside the map.
type appTable struct {
	byID  map[uint32]*appState
	order []*appState
}

func newAppTable() *appTable {
	return &appTable{byID: make(map[uint32]*appState)}
}

// enter returns the record for ident, creating it on first contact.
func (t *appTable) enter(ident Identity) *appState {
	if a, ok := t.byID[ident.ID]; ok {
		return a
	}
	a := &appState{id: ident.ID, fixed: ident.Fixed}
	t.byID[ident.ID] = a
	t.order = append(t.order, a)
	return a
}

// lookup returns the record for id without creating one.
func (t *appTable) lookup(id uint32) (*appState, bool) {
	a, ok := t.byID[id]
	return a, ok
}

// firstWaiting returns the first app in first-touch order that still
// needs a region, or nil.
func (t *appTable) firstWaiting() *appState {
	for _, a := range t.order {
		if a.waiting && a.region == nil {
			return a
		}
	}
	return nil
}

// anyWaiting reports whether any app still needs a region.
func (t *appTable) anyWaiting() bool {
	return t.firstWaiting() != nil
}

// firstPending returns the first app in first-touch order with a parked
// request, or nil.
func (t *appTable) firstPending() *appState {
	for _, a := range t.order {
		if a.pending != nil {
			return a
		}
	}
	return nil
}

// regions returns the number of apps with an assigned region.
func (t *appTable) regions() int {
	n := 0
	for _, a := range t.order {
		if a.region != nil {
			n++
		}
	}
	return n
}
