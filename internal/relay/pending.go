package relay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateRequest is returned by Register when request_id is already
// registered — should never happen given uuid generation, but enforced
// defensively per spec.
var ErrDuplicateRequest = fmt.Errorf("pending table: duplicate request id")

// Reply is what a pending entry is completed with: exactly one of a
// successful response or an error kind.
type Reply struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Err     *Error
}

// entry is the internal one-shot slot backing a single pending request.
type entry struct {
	tunnelID string
	ch       chan Reply
	once     sync.Once
}

func (e *entry) complete(r Reply) bool {
	completed := false
	e.once.Do(func() {
		completed = true
		e.ch <- r
	})
	return completed
}

// Waiter is the handle returned by Register; Await blocks until the first
// of {reply, deadline, caller cancellation}.
type Waiter struct {
	requestID string
	entry     *entry
	table     *PendingTable
	deadline  time.Time
}

// Await blocks until a reply arrives, the deadline elapses, or ctx is
// cancelled (public client disconnect). On timeout the pending entry is
// failed with KindTimeout and removed; on ctx cancellation it is removed
// with no reply rendered by the caller.
func (w *Waiter) Await(ctx context.Context) (Reply, error) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case r := <-w.entry.ch:
		if r.Err != nil {
			return Reply{}, r.Err
		}
		return r, nil
	case <-timer.C:
		// The reply may have raced the timer: the completer could have
		// already handed a value to the buffered channel before losing
		// the select. Prefer it over declaring a timeout.
		select {
		case r := <-w.entry.ch:
			if r.Err != nil {
				return Reply{}, r.Err
			}
			return r, nil
		default:
		}
		w.table.fail(w.requestID, NewError(KindTimeout, fmt.Errorf("no reply within deadline")))
		return Reply{}, NewError(KindTimeout, nil)
	case <-ctx.Done():
		select {
		case r := <-w.entry.ch:
			if r.Err != nil {
				return Reply{}, r.Err
			}
			return r, nil
		default:
		}
		w.table.Cancel(w.requestID)
		return Reply{}, NewError(KindCancelled, ctx.Err())
	}
}

// PendingTable maps request_id to a one-shot reply slot. One table is
// shared by the whole relay server instance.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewPendingTable creates an empty pending-request table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*entry)}
}

// Register inserts a new pending entry for requestID, owned by tunnelID,
// and returns a Waiter bounded by deadline.
func (t *PendingTable) Register(requestID, tunnelID string, deadline time.Time) (*Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	e := &entry{tunnelID: tunnelID, ch: make(chan Reply, 1)}
	t.entries[requestID] = e
	return &Waiter{requestID: requestID, entry: e, table: t, deadline: deadline}, nil
}

// Fulfill completes the pending entry for requestID with a successful
// response, if present and not already completed. Returns whether it
// succeeded; false means the reply is stale and was dropped.
func (t *PendingTable) Fulfill(requestID string, status int, headers map[string]string, body []byte) bool {
	e := t.takeIfPresent(requestID)
	if e == nil {
		return false
	}
	return e.complete(Reply{Status: status, Headers: headers, Body: body})
}

// fail completes the pending entry for requestID with an error, if
// present and not already completed.
func (t *PendingTable) fail(requestID string, err *Error) bool {
	e := t.takeIfPresent(requestID)
	if e == nil {
		return false
	}
	return e.complete(Reply{Err: err})
}

// Cancel removes and completes the pending entry for requestID as
// caller-cancelled; a late reply for this id is subsequently dropped by
// Fulfill/fail because the entry is already removed from the map.
func (t *PendingTable) Cancel(requestID string) {
	e := t.takeIfPresent(requestID)
	if e == nil {
		return
	}
	e.complete(Reply{Err: NewError(KindCancelled, nil)})
}

// FailAllForTunnel completes every pending entry owned by tunnelID with
// the supplied error kind, used at tunnel teardown.
func (t *PendingTable) FailAllForTunnel(tunnelID string, kind Kind) {
	t.mu.Lock()
	var matched []*entry
	for id, e := range t.entries {
		if e.tunnelID == tunnelID {
			matched = append(matched, e)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, e := range matched {
		e.complete(Reply{Err: NewError(kind, nil)})
	}
}

// takeIfPresent removes and returns the entry for requestID if present,
// so that any subsequent reply for the same id is a no-op drop rather
// than a second completion attempt.
func (t *PendingTable) takeIfPresent(requestID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return nil
	}
	delete(t.entries, requestID)
	return e
}

// Len reports the number of currently outstanding entries across all
// tunnels; per-tunnel caps use CountForTunnel.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CountForTunnel reports the number of outstanding entries owned by
// tunnelID.
func (t *PendingTable) CountForTunnel(tunnelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.tunnelID == tunnelID {
			n++
		}
	}
	return n
}
