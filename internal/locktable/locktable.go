// Package locktable implements the storage core's multi-granularity lock
// manager: a hash table of resources, each guarding a FIFO queue of waiters
// under the standard IS/IX/S/SIX/X compatibility matrix.
package locktable

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mode is a lock mode in the standard multi-granularity hierarchy.
type Mode int

const (
	IS  Mode = iota // intention share
	IX              // intention exclusive
	S               // share
	SIX             // share + intention exclusive
	X               // exclusive
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible[a][b] reports whether mode a can be held concurrently with an
// already-held mode b by a different transaction.
var compatible = [5][5]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {IS: false, IX: false, S: false, SIX: false, X: false},
}

// ResKind tags what kind of entity a ResourceID names.
type ResKind int

const (
	ResTable ResKind = iota
	ResPage
	ResRow
)

func (k ResKind) String() string {
	switch k {
	case ResTable:
		return "TABLE"
	case ResPage:
		return "PAGE"
	case ResRow:
		return "ROW"
	default:
		return "?"
	}
}

// ResourceID is a tagged lockable entity, e.g. {PAGE, pgno} or {ROW, rowID}.
type ResourceID struct {
	Kind ResKind
	ID   uint64
}

func (r ResourceID) String() string { return fmt.Sprintf("%s(%d)", r.Kind, r.ID) }

// TxID identifies the transaction a lock is held or requested on behalf of.
type TxID uint64

type holder struct {
	tx   TxID
	mode Mode
}

// waiter is one blocked Lock/Upgrade call. ready is closed exactly once,
// when the lock manager grants (or permanently fails) the request.
type waiter struct {
	tx     TxID
	mode   Mode
	ready  chan struct{}
	failed error
}

// entry is the lock state for a single resource: its current holders and
// an ordered FIFO queue of waiters.
type entry struct {
	holders []holder
	waiters []*waiter
}

func (e *entry) grantedTo(tx TxID) (Mode, bool) {
	for _, h := range e.holders {
		if h.tx == tx {
			return h.mode, true
		}
	}
	return 0, false
}

// compatibleWithHolders reports whether mode can be granted to tx given the
// entry's current holders (a transaction is always compatible with its own
// existing hold, since Lock calls upgrade instead of duplicating).
func (e *entry) compatibleWithHolders(tx TxID, mode Mode) bool {
	for _, h := range e.holders {
		if h.tx == tx {
			continue
		}
		if !compatible[mode][h.mode] {
			return false
		}
	}
	return true
}

// Table is the lock manager: one entry per contended resource, indexed so
// that Unlock(tx) can release every lock a transaction holds in one pass.
type Table struct {
	mu        sync.Mutex
	resources map[ResourceID]*entry
	byTxn     map[TxID]map[ResourceID]struct{}
}

// New returns an empty lock table.
func New() *Table {
	return &Table{
		resources: make(map[ResourceID]*entry),
		byTxn:     make(map[TxID]map[ResourceID]struct{}),
	}
}

// TryLock attempts to grant tx mode on res without blocking. It returns
// false if the request would conflict with an existing holder or if
// waiters are already queued (new non-blocking requests never jump ahead
// of a FIFO queue).
func (t *Table) TryLock(tx TxID, res ResourceID, mode Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryLocked(res)
	if cur, ok := e.grantedTo(tx); ok && covers(cur, mode) {
		return true
	}
	if len(e.waiters) > 0 {
		return false
	}
	if !e.compatibleWithHolders(tx, mode) {
		return false
	}
	t.grantLocked(e, tx, res, mode)
	return true
}

// Lock acquires mode on res for tx, blocking on a FIFO wait queue until
// granted or ctx is done.
func (t *Table) Lock(ctx context.Context, tx TxID, res ResourceID, mode Mode) error {
	t.mu.Lock()
	e := t.entryLocked(res)

	if cur, ok := e.grantedTo(tx); ok && covers(cur, mode) {
		t.mu.Unlock()
		return nil
	}
	if len(e.waiters) == 0 && e.compatibleWithHolders(tx, mode) {
		t.grantLocked(e, tx, res, mode)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, mode: mode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return w.failed
	case <-ctx.Done():
		t.cancelWait(res, w)
		return ctx.Err()
	}
}

// Upgrade atomically releases oldMode and acquires newMode on res for tx.
// If newMode is not immediately compatible with other holders, it blocks
// on the FIFO queue exactly like Lock, but retains no partial state: on
// failure (ctx cancellation) tx still holds oldMode.
func (t *Table) Upgrade(ctx context.Context, tx TxID, res ResourceID, newMode Mode) error {
	t.mu.Lock()
	e := t.entryLocked(res)
	cur, ok := e.grantedTo(tx)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("upgrade: tx %d holds no lock on %s", tx, res)
	}
	if covers(cur, newMode) {
		t.mu.Unlock()
		return nil
	}

	// Check compatibility as if tx's current hold were removed.
	others := make([]holder, 0, len(e.holders))
	for _, h := range e.holders {
		if h.tx != tx {
			others = append(others, h)
		}
	}
	if compatibleAgainst(newMode, others) && len(e.waiters) == 0 {
		t.setHolderLocked(e, tx, newMode)
		t.mu.Unlock()
		return nil
	}

	w := &waiter{tx: tx, mode: newMode, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return w.failed
	case <-ctx.Done():
		t.cancelWait(res, w)
		return ctx.Err()
	}
}

// Unlock releases every lock tx holds across all resources, waking any
// waiters now compatible with the remaining holders.
func (t *Table) Unlock(tx TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for res := range t.byTxn[tx] {
		e := t.resources[res]
		if e == nil {
			continue
		}
		kept := e.holders[:0]
		for _, h := range e.holders {
			if h.tx != tx {
				kept = append(kept, h)
			}
		}
		e.holders = kept
		t.wakeWaitersLocked(e, res)
		if len(e.holders) == 0 && len(e.waiters) == 0 {
			delete(t.resources, res)
		}
	}
	delete(t.byTxn, tx)
}

func (t *Table) entryLocked(res ResourceID) *entry {
	e, ok := t.resources[res]
	if !ok {
		e = &entry{}
		t.resources[res] = e
	}
	return e
}

func (t *Table) grantLocked(e *entry, tx TxID, res ResourceID, mode Mode) {
	t.setHolderLocked(e, tx, mode)
	if t.byTxn[tx] == nil {
		t.byTxn[tx] = make(map[ResourceID]struct{})
	}
	t.byTxn[tx][res] = struct{}{}
}

func (t *Table) setHolderLocked(e *entry, tx TxID, mode Mode) {
	for i, h := range e.holders {
		if h.tx == tx {
			e.holders[i].mode = mode
			return
		}
	}
	e.holders = append(e.holders, holder{tx: tx, mode: mode})
}

// wakeWaitersLocked grants as many waiters at the front of the FIFO queue
// as are mutually compatible with the current holders and with each other,
// preserving strict queue order (a waiter blocks everyone behind it until
// it is granted or cancelled).
func (t *Table) wakeWaitersLocked(e *entry, res ResourceID) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		if !e.compatibleWithHolders(w.tx, w.mode) {
			break
		}
		e.waiters = e.waiters[1:]
		t.grantLocked(e, w.tx, res, w.mode)
		close(w.ready)
	}
}

func (t *Table) cancelWait(res ResourceID, w *waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.resources[res]
	if !ok {
		return
	}
	for i, q := range e.waiters {
		if q == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// covers reports whether holding mode already satisfies a request for
// want, e.g. X covers S, SIX covers IS.
func covers(held, want Mode) bool {
	if held == want {
		return true
	}
	switch held {
	case X:
		return true
	case SIX:
		return want == IS || want == IX || want == S
	}
	return false
}

// compatibleAgainst checks mode against an explicit holder list, used by
// Upgrade once tx's own current hold has been excluded.
func compatibleAgainst(mode Mode, others []holder) bool {
	for _, h := range others {
		if !compatible[mode][h.mode] {
			return false
		}
	}
	return true
}

// HeldModes returns a snapshot of every (resource, mode) tx currently
// holds, sorted for deterministic iteration.
func (t *Table) HeldModes(tx TxID) []struct {
	Res  ResourceID
	Mode Mode
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []struct {
		Res  ResourceID
		Mode Mode
	}
	for res := range t.byTxn[tx] {
		e := t.resources[res]
		if e == nil {
			continue
		}
		if m, ok := e.grantedTo(tx); ok {
			out = append(out, struct {
				Res  ResourceID
				Mode Mode
			}{res, m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Res.Kind != out[j].Res.Kind {
			return out[i].Res.Kind < out[j].Res.Kind
		}
		return out[i].Res.ID < out[j].Res.ID
	})
	return out
}
