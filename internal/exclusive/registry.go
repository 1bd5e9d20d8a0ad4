package exclusive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jbweber/crucible/internal/ident"
	"github.com/jbweber/crucible/internal/metrics"
)

// DefaultAdmissionTimeout bounds how long Register waits for a blocking
// operation before returning ErrWouldBlock.
const DefaultAdmissionTimeout = 30 * time.Second

// opSet holds the admitted records of one VM in insertion order.
// changed is closed and replaced whenever the set shrinks, waking every
// registrant waiting on it.
type opSet struct {
	records []Record
	changed chan struct{}
}

func newOpSet() *opSet {
	return &opSet{changed: make(chan struct{})}
}

func (s *opSet) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Registry tracks the exclusive operations admitted against every VM and
// decides whether new operations may run.
type Registry struct {
	mu      sync.Mutex
	sets    map[ident.Identity]*opSet
	timeout time.Duration
	logger  logr.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRegistry returns an empty registry using DefaultAdmissionTimeout.
func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		sets:    make(map[ident.Identity]*opSet),
		timeout: DefaultAdmissionTimeout,
		logger:  logger.WithName("exclusive"),
		now:     time.Now,
	}
}

// WithMetrics attaches a metrics collector.
func (r *Registry) WithMetrics(m *metrics.Metrics) *Registry {
	r.metrics = m
	return r
}

// WithAdmissionTimeout overrides the default wait budget used by Register.
func (r *Registry) WithAdmissionTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register admits an operation of the given kind using the registry's
// admission timeout. See RegisterWithin.
func (r *Registry) Register(ctx context.Context, id ident.Identity, kind Kind, session ident.Session, taskID string) error {
	return r.RegisterWithin(ctx, id, kind, session, taskID, r.timeout)
}

// RegisterWithin admits an operation of the given kind for id.
//
// A hard conflict with any admitted record fails at once with a
// *ConflictError naming the blocking kind. When the outcome depends on a
// short-lived admitted operation, the call waits up to budget for it to
// finish, re-evaluating on every change; if the outcome is still open at
// the deadline ErrWouldBlock is returned. Cancelling ctx abandons the wait
// and leaves nothing registered.
func (r *Registry) RegisterWithin(ctx context.Context, id ident.Identity, kind Kind, session ident.Session, taskID string, budget time.Duration) error {
	if !kind.Valid() {
		return fmt.Errorf("failed to register operation on vm %s: %w: %d", id, ErrUnknownKind, int(kind))
	}
	rec := Record{Kind: kind, Session: session, TaskID: taskID}
	return r.admit(ctx, id, rec, nil, budget)
}

// admit runs the admission loop for rec. When replacing is non-nil the
// matching record is excluded from evaluation and swapped for rec on
// success.
func (r *Registry) admit(ctx context.Context, id ident.Identity, rec Record, replacing *Record, budget time.Duration) (err error) {
	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(fmt.Errorf("%v", p), "conflict mapping failed", "vm", id.String(), "kind", rec.Kind.String())
			err = fmt.Errorf("failed to register %s on vm %s: %w", rec.Kind, id, ErrUnknownKind)
		}
		r.metrics.ObserveAdmissionWait(rec.Kind.String(), r.now().Sub(start))
		r.metrics.IncAdmission(rec.Kind.String(), admissionResult(err))
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	expired := false

	r.mu.Lock()
	for {
		set := r.sets[id]
		skip := -1
		if replacing != nil {
			skip = indexOf(set, *replacing)
			if skip < 0 {
				r.mu.Unlock()
				return fmt.Errorf("failed to replace %s on vm %s: %w", replacing.Kind, id, ErrNotRegistered)
			}
		}

		verdict, blocking := evaluate(set, rec, skip)
		switch verdict {
		case Compatible:
			if set == nil {
				set = newOpSet()
				r.sets[id] = set
			}
			if skip >= 0 {
				set.records = append(set.records[:skip], set.records[skip+1:]...)
				set.broadcast()
			}
			set.records = append(set.records, rec)
			r.mu.Unlock()
			r.logger.V(1).Info("operation admitted", "vm", id.String(), "kind", rec.Kind.String(), "session", string(rec.Session), "task", rec.TaskID)
			return nil
		case Incompatible:
			r.mu.Unlock()
			return conflict(id, rec.Kind, blocking)
		}

		if expired {
			r.mu.Unlock()
			return fmt.Errorf("failed to register %s on vm %s, still blocked by %s: %w", rec.Kind, id, blocking.Kind, ErrWouldBlock)
		}
		wake := set.changed
		r.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			expired = true
		case <-ctx.Done():
			return fmt.Errorf("failed to register %s on vm %s: %w", rec.Kind, id, ctx.Err())
		}
		r.mu.Lock()
	}
}

// evaluate compares rec against every admitted record except index skip.
// Any Incompatible verdict wins over Indeterminate.
func evaluate(set *opSet, rec Record, skip int) (Verdict, Record) {
	if set == nil {
		return Compatible, Record{}
	}
	verdict := Compatible
	var blocking Record
	for i, existing := range set.records {
		if i == skip {
			continue
		}
		switch Reconcile(existing, rec) {
		case Incompatible:
			return Incompatible, existing
		case Indeterminate:
			if verdict == Compatible {
				verdict, blocking = Indeterminate, existing
			}
		}
	}
	return verdict, blocking
}

func conflict(id ident.Identity, requested Kind, blocking Record) error {
	return &ConflictError{
		Identity:        id,
		Requested:       requested,
		Blocking:        blocking.Kind,
		BlockingSession: blocking.Session,
		Code:            CodeFor(blocking.Kind),
	}
}

func admissionResult(err error) string {
	var conflictErr *ConflictError
	switch {
	case err == nil:
		return "admitted"
	case errors.As(err, &conflictErr):
		return "conflict"
	case errors.Is(err, ErrWouldBlock):
		return "would_block"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

func indexOf(set *opSet, rec Record) int {
	if set == nil {
		return -1
	}
	for i, existing := range set.records {
		if existing.Kind != rec.Kind {
			continue
		}
		if rec.Kind == Lock && existing.Session != rec.Session {
			continue
		}
		return i
	}
	return -1
}

// Unregister removes the first admitted record of kind for id and wakes
// waiting registrants. A Lock record may only be removed by its owning
// session. A missing record is reported as an error and logged, since it
// means a register/unregister pair went out of step.
func (r *Registry) Unregister(id ident.Identity, kind Kind, session ident.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sets[id]
	idx := -1
	if set != nil {
		for i, existing := range set.records {
			if existing.Kind == kind {
				idx = i
				break
			}
		}
	}

	if idx < 0 {
		err := ErrNotRegistered
		if kind == Lock {
			err = ErrNotLocked
		}
		r.metrics.IncUnregisterMismatch()
		r.logger.Error(err, "unregister without matching operation", "vm", id.String(), "kind", kind.String(), "session", string(session))
		return fmt.Errorf("failed to unregister %s on vm %s: %w", kind, id, err)
	}

	if kind == Lock {
		owner := set.records[idx].Session
		if owner != session {
			return fmt.Errorf("failed to unlock vm %s held by session %q: %w", id, owner, ErrNotLockOwner)
		}
	}

	set.records = append(set.records[:idx], set.records[idx+1:]...)
	set.broadcast()
	if len(set.records) == 0 {
		delete(r.sets, id)
	}
	r.logger.V(1).Info("operation released", "vm", id.String(), "kind", kind.String(), "session", string(session))
	return nil
}

// Replace atomically swaps an admitted operation of kind from for one of
// kind to, keeping its task id. Admission of to is evaluated against the
// remaining records and may wait like Register. On failure the from
// record stays admitted.
func (r *Registry) Replace(ctx context.Context, id ident.Identity, from, to Kind, session ident.Session) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("failed to replace %s with %s on vm %s: %w", from, to, id, ErrUnknownKind)
	}

	r.mu.Lock()
	idx := indexOf(r.sets[id], Record{Kind: from, Session: session})
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("failed to replace %s on vm %s: %w", from, id, ErrNotRegistered)
	}
	old := r.sets[id].records[idx]
	r.mu.Unlock()

	rec := Record{Kind: to, Session: old.Session, TaskID: old.TaskID}
	if to == Lock {
		rec.Session = session
	}
	return r.admit(ctx, id, rec, &old, r.timeout)
}

// FindOwner returns the session of the first admitted record of kind.
func (r *Registry) FindOwner(id ident.Identity, kind Kind) (ident.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set := r.sets[id]; set != nil {
		for _, rec := range set.records {
			if rec.Kind == kind {
				return rec.Session, true
			}
		}
	}
	return ident.NoSession, false
}

// PurgeSession drops every Lock held by session, typically after the
// client disconnected. Other kinds follow task completion and are left
// alone. It returns the number of records removed.
func (r *Registry) PurgeSession(session ident.Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, set := range r.sets {
		kept := set.records[:0]
		for _, rec := range set.records {
			if rec.Kind == Lock && rec.Session == session {
				removed++
				r.logger.Info("released lock of closed session", "vm", id.String(), "session", string(session))
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == len(set.records) {
			continue
		}
		set.records = kept
		set.broadcast()
		if len(set.records) == 0 {
			delete(r.sets, id)
		}
	}
	return removed
}

// TasksUnder returns the non-empty task ids of the operations admitted for id.
func (r *Registry) TasksUnder(id ident.Identity) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []string
	if set := r.sets[id]; set != nil {
		for _, rec := range set.records {
			if rec.TaskID != "" {
				tasks = append(tasks, rec.TaskID)
			}
		}
	}
	return tasks
}

// Records returns a copy of the records admitted for id in insertion order.
func (r *Registry) Records(id ident.Identity) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.sets[id]
	if set == nil {
		return nil
	}
	out := make([]Record, len(set.records))
	copy(out, set.records)
	return out
}

// Kinds returns the kinds admitted for id in insertion order.
func (r *Registry) Kinds(id ident.Identity) []Kind {
	records := r.Records(id)
	kinds := make([]Kind, 0, len(records))
	for _, rec := range records {
		kinds = append(kinds, rec.Kind)
	}
	return kinds
}
