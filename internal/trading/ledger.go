package trading

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ksred/klear-fix/internal/types"
)

type orderEntry struct {
	mu  sync.Mutex
	rec types.OrderRecord
}

// Ledger owns every OrderRecord keyed by client order id. It holds no I/O:
// callers persist and publish the records it returns.
//
// The map lock only guards membership; each record is mutated under its own
// entry lock so unrelated orders never contend.
type Ledger struct {
	mu       sync.RWMutex
	orders   map[string]*orderEntry
	controls map[string]string
}

// NewLedger creates an empty order ledger
func NewLedger() *Ledger {
	return &Ledger{
		orders:   make(map[string]*orderEntry),
		controls: make(map[string]string),
	}
}

func (l *Ledger) entry(id string) (*orderEntry, error) {
	l.mu.RLock()
	e, ok := l.orders[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrOrderNotFound, id)
	}
	return e, nil
}

// CreatePending allocates a new record for an order that is about to be sent.
// The status is PENDING_NEW unless the request already carries NEW; filled is
// zero and leaves equals the requested quantity.
func (l *Ledger) CreatePending(req types.OrderRecord) (types.OrderRecord, error) {
	if req.ClientOrderID == "" {
		return types.OrderRecord{}, fmt.Errorf("%w: client order id is required", types.ErrInvalidRequest)
	}

	now := time.Now()
	rec := req
	if rec.Status != types.OrderStatusNew {
		rec.Status = types.OrderStatusPendingNew
	}
	rec.PreviousStatus = ""
	rec.FilledQuantity = 0
	rec.LeavesQuantity = req.RequestedQuantity
	rec.CreatedAt = now
	rec.UpdatedAt = now

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.orders[rec.ClientOrderID]; exists {
		return types.OrderRecord{}, fmt.Errorf("%w: %s", types.ErrDuplicateOrderID, rec.ClientOrderID)
	}
	l.orders[rec.ClientOrderID] = &orderEntry{rec: rec}
	return rec, nil
}

// ApplyExecution moves the record to the status the venue reported and
// copies the cumulative and leaves quantities from the event. Nothing is
// mutated when an error is returned.
func (l *Ledger) ApplyExecution(id string, ev types.ExecutionEvent) (types.OrderRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := nextState(e.rec, ev, time.Now())
	if err != nil {
		return e.rec, err
	}
	e.rec = next
	return next, nil
}

// CheckExecution reports the error ApplyExecution would return without
// changing anything.
func (l *Ledger) CheckExecution(id string, ev types.ExecutionEvent) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err = nextState(e.rec, ev, time.Now())
	return err
}

func nextState(rec types.OrderRecord, ev types.ExecutionEvent, now time.Time) (types.OrderRecord, error) {
	if ev.CumulativeQuantity < rec.FilledQuantity {
		return rec, fmt.Errorf("%w: order %s cumulative %d below filled %d",
			types.ErrNonMonotonicFill, rec.ClientOrderID, ev.CumulativeQuantity, rec.FilledQuantity)
	}
	if ev.CumulativeQuantity > rec.RequestedQuantity {
		return rec, fmt.Errorf("%w: order %s cumulative %d above requested %d",
			types.ErrOverfill, rec.ClientOrderID, ev.CumulativeQuantity, rec.RequestedQuantity)
	}

	reported := ev.ResultingStatus()
	if reported == types.OrderStatusReplaced {
		// REPLACED describes the order that was replaced, not the id the
		// event names; only MarkReplaced retires an order.
		reported = replacementStatus(rec, ev)
	}
	if !reported.Valid() {
		return rec, fmt.Errorf("%w: order %s has no resulting status for execution type %q",
			types.ErrInvalidTransition, rec.ClientOrderID, ev.ExecutionType)
	}

	if rec.Status.Terminal() {
		// A second confirmation of the same terminal state is harmless.
		if reported == rec.Status && ev.CumulativeQuantity == rec.FilledQuantity {
			return rec, nil
		}
		return rec, fmt.Errorf("%w: order %s is %s, event reports %s",
			types.ErrInvalidTransition, rec.ClientOrderID, rec.Status, reported)
	}

	next := rec
	switch {
	case reported.Terminal(), reported.Pending():
		next.Status = reported
		if !reported.Pending() {
			next.PreviousStatus = ""
		} else if !rec.Status.Pending() {
			next.PreviousStatus = rec.Status
		}
	case rec.Status.Pending():
		// The request is still in flight; remember where the order would
		// fall back to if the venue refuses it.
		next.PreviousStatus = reported
	default:
		next.Status = reported
	}

	next.FilledQuantity = ev.CumulativeQuantity
	switch next.Status {
	case types.OrderStatusCanceled:
		next.LeavesQuantity = rec.RequestedQuantity - ev.CumulativeQuantity
	default:
		next.LeavesQuantity = ev.LeavesQuantity
	}

	if !ev.AveragePrice.IsZero() {
		next.AveragePrice = ev.AveragePrice
	}
	if ev.OrderID != "" {
		next.VenueOrderID = ev.OrderID
	}
	if next.Status == types.OrderStatusRejected {
		next.RejectReason = ev.Text
	}
	next.LastExecutionID = ev.ExecutionID
	next.UpdatedAt = now
	return next, nil
}

// replacementStatus is the live status of a replacement order after the
// venue confirmed it
func replacementStatus(rec types.OrderRecord, ev types.ExecutionEvent) types.OrderStatus {
	switch {
	case ev.CumulativeQuantity == 0:
		return types.OrderStatusNew
	case ev.CumulativeQuantity >= rec.RequestedQuantity:
		return types.OrderStatusFilled
	default:
		return types.OrderStatusPartiallyFilled
	}
}

// CheckReplaced reports whether MarkReplaced would succeed.
func (l *Ledger) CheckReplaced(id string) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.Terminal() && e.rec.Status != types.OrderStatusReplaced {
		return fmt.Errorf("%w: order %s is %s, cannot be replaced",
			types.ErrInvalidTransition, id, e.rec.Status)
	}
	return nil
}

// MarkReplaced retires a superseded order. The replacement id carries the
// live order forward.
func (l *Ledger) MarkReplaced(id string) (types.OrderRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.rec.Status == types.OrderStatusReplaced:
		return e.rec, nil
	case e.rec.Status.Terminal():
		return e.rec, fmt.Errorf("%w: order %s is %s, cannot be replaced",
			types.ErrInvalidTransition, id, e.rec.Status)
	}

	e.rec.Status = types.OrderStatusReplaced
	e.rec.PreviousStatus = ""
	e.rec.LeavesQuantity = e.rec.RequestedQuantity - e.rec.FilledQuantity
	e.rec.UpdatedAt = time.Now()
	return e.rec, nil
}

// MarkPending is the optimistic half of a cancel or replace: the order is
// shown as PENDING_CANCEL/PENDING_REPLACE before the venue answers, and its
// active status is kept so RevertPending can restore it.
func (l *Ledger) MarkPending(id string, status types.OrderStatus) (types.OrderRecord, error) {
	if !status.Pending() {
		return types.OrderRecord{}, fmt.Errorf("%w: %s is not a pending status", types.ErrInvalidTransition, status)
	}

	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.Terminal() {
		return e.rec, fmt.Errorf("%w: order %s is %s", types.ErrInvalidTransition, id, e.rec.Status)
	}
	if !e.rec.Status.Pending() {
		e.rec.PreviousStatus = e.rec.Status
	}
	e.rec.Status = status
	e.rec.UpdatedAt = time.Now()
	return e.rec, nil
}

// RevertPending undoes an optimistic pending status after the venue refused
// the cancel or replace, or the message could not be sent. A non-terminal,
// non-pending reported status wins over the remembered one. Orders that are
// no longer pending are returned unchanged.
func (l *Ledger) RevertPending(id string, reported types.OrderStatus) (types.OrderRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.rec.Status.Pending() {
		return e.rec, nil
	}

	target := e.rec.PreviousStatus
	if reported.Open() && !reported.Pending() {
		target = reported
	}
	if !target.Valid() {
		target = types.OrderStatusNew
	}
	e.rec.Status = target
	e.rec.PreviousStatus = ""
	e.rec.UpdatedAt = time.Now()
	return e.rec, nil
}

// Reject marks an order REJECTED locally, used when the transport refused a
// message that had already been recorded.
func (l *Ledger) Reject(id, reason string) (types.OrderRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status.Terminal() {
		return e.rec, fmt.Errorf("%w: order %s is %s", types.ErrInvalidTransition, id, e.rec.Status)
	}
	e.rec.Status = types.OrderStatusRejected
	e.rec.PreviousStatus = ""
	e.rec.LeavesQuantity = 0
	e.rec.RejectReason = reason
	e.rec.UpdatedAt = time.Now()
	return e.rec, nil
}

// Get returns a copy of the record for id
func (l *Ledger) Get(id string) (types.OrderRecord, error) {
	e, err := l.entry(id)
	if err != nil {
		return types.OrderRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// List returns every record, newest first
func (l *Ledger) List() []types.OrderRecord {
	return l.collect(func(types.OrderRecord) bool { return true })
}

// Open returns the records that can still trade, newest first
func (l *Ledger) Open() []types.OrderRecord {
	return l.collect(func(r types.OrderRecord) bool { return r.Status.Open() })
}

func (l *Ledger) collect(keep func(types.OrderRecord) bool) []types.OrderRecord {
	l.mu.RLock()
	entries := make([]*orderEntry, 0, len(l.orders))
	for _, e := range l.orders {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]types.OrderRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID > out[j].ClientOrderID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of records held
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

// Restore loads persisted records at startup. Existing ids are overwritten.
func (l *Ledger) Restore(records []types.OrderRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range records {
		l.orders[rec.ClientOrderID] = &orderEntry{rec: rec}
	}
}

// LinkControl remembers which order a cancel request id refers to. Cancel
// requests get their own id at the venue but never become orders.
func (l *Ledger) LinkControl(controlID, originalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controls[controlID] = originalID
}

// ResolveControl returns the original order id for a cancel request id
func (l *Ledger) ResolveControl(controlID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.controls[controlID]
	return id, ok
}

// OrderKey is the lock key that serializes work on one client order id
func OrderKey(id string) string {
	return "order:" + id
}
