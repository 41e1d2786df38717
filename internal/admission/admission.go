// Package admission implements the Admission Controller: given a
// resolved identity and a request, it sequentially evaluates user, API,
// and global limits against the Counter Bank, and either issues a
// Ticket directly, hands the request off to the Priority Wait Queue, or
// rejects it outright.
//
// Grounded on the lineage's middleware/concurrency.go ConcurrencyGuard
// (the chi-middleware shape of "try to admit, 429 if not") generalized
// from a single per-org semaphore check into the multi-dimensional,
// queue-backed pipeline spec'd for this proxy.
package admission

import (
	"context"
	"time"

	"github.com/hwuu/pylon/internal/counter"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/queue"
)

// Reason is a stable rejection reason code, matching the body codes in
// the external interface table.
type Reason string

const (
	ReasonUserLimit    Reason = "user_limit"
	ReasonAPILimit     Reason = "api_limit"
	ReasonSystemBusy   Reason = "system_busy"
	ReasonQueueFull    Reason = "queue_full"
	ReasonQueueTimeout Reason = "queue_timeout"
	ReasonPreempted    Reason = "preempted"
)

// Decision is the outcome of Admit.
type Decision int

const (
	// DecisionAdmitted carries a live Ticket; the caller must Release it.
	DecisionAdmitted Decision = iota
	// DecisionRateLimited means reject with 429 and Reason.
	DecisionRateLimited
	// DecisionQueueFull means reject with 503 queue_full.
	DecisionQueueFull
	// DecisionQueueTimeout means reject with 504 queue_timeout.
	DecisionQueueTimeout
	// DecisionPreempted means reject with 503 preempted.
	DecisionPreempted
)

// Ticket is the obligation to release exactly one concurrency slot and
// to report exactly one completion record, once per admitted request.
type Ticket struct {
	IdentityID  string
	API         string
	IsSSE       bool
	Priority    keystore.Priority
	EnqueuedAt  time.Time
	AdmittedAt  time.Time
}

// Result is returned by Admit.
type Result struct {
	Decision Decision
	Reason   Reason
	Ticket   *Ticket
}

// Controller wires the Counter Bank and Priority Wait Queue together.
type Controller struct {
	bank  *counter.Bank
	queue *queue.Queue

	// Metrics is optional; when set, ActiveRequests/ActiveSSEStreams
	// track every reserved slot through Admit, Reconcile, and Release.
	Metrics *metrics.Metrics
}

// New creates a Controller over bank and q.
func New(bank *counter.Bank, q *queue.Queue) *Controller {
	return &Controller{bank: bank, queue: q}
}

func capsFor(snap *policy.Snapshot, ident *keystore.Identity, api string) counter.Caps {
	userConcurrent := snap.DefaultUser.MaxConcurrent
	userRPM := snap.DefaultUser.MaxRPM
	userSSE := snap.DefaultUser.MaxSSE
	if ident.Overrides != nil {
		if ident.Overrides.MaxConcurrent > 0 {
			userConcurrent = ident.Overrides.MaxConcurrent
		}
		if ident.Overrides.MaxRPM > 0 {
			userRPM = ident.Overrides.MaxRPM
		}
		if ident.Overrides.MaxSSE > 0 {
			userSSE = ident.Overrides.MaxSSE
		}
	}
	apiRPM, _ := snap.APIRPMFor(api)
	return counter.Caps{
		UserRPM:           userRPM,
		APIRPM:            apiRPM,
		GlobalRPM:         snap.Global.MaxRPM,
		UserConcurrency:   userConcurrent,
		GlobalConcurrency: snap.Global.MaxConcurrent,
		UserSSE:           userSSE,
		GlobalSSE:         snap.Global.MaxSSE,
	}
}

// noteReserved records a newly held slot of the given kind.
func (c *Controller) noteReserved(isSSE bool) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.ActiveRequests.Inc()
	if isSSE {
		c.Metrics.ActiveSSEStreams.Inc()
	}
}

// noteReleased records a slot of the given kind giving up its hold.
func (c *Controller) noteReleased(isSSE bool) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.ActiveRequests.Dec()
	if isSSE {
		c.Metrics.ActiveSSEStreams.Dec()
	}
}

func reasonFor(kind counter.CapKind) Reason {
	switch kind {
	case counter.CapUserRPM:
		return ReasonUserLimit
	case counter.CapAPIRPM:
		return ReasonAPILimit
	case counter.CapGlobalRPM:
		return ReasonSystemBusy
	default:
		return ReasonSystemBusy
	}
}

// Admit evaluates identity's request against api under snap, reserving a
// unary or SSE slot. If the binding constraint is a rate cap the request
// is rejected terminally; if it is a concurrency cap the request is
// queued until a slot frees, the queue wait times out, or it is
// preempted by a higher-priority arrival.
func (c *Controller) Admit(ctx context.Context, snap *policy.Snapshot, ident *keystore.Identity, api string, isSSE bool) Result {
	caps := capsFor(snap, ident, api)
	enqueuedAt := time.Now()

	var ok bool
	var violated counter.CapKind
	if isSSE {
		ok, violated = c.bank.TryReserveSse(ident.ID, api, caps)
	} else {
		ok, violated = c.bank.TryReserveUnary(ident.ID, api, caps)
	}

	if ok {
		c.noteReserved(isSSE)
		return Result{
			Decision: DecisionAdmitted,
			Ticket: &Ticket{
				IdentityID: ident.ID,
				API:        api,
				IsSSE:      isSSE,
				Priority:   ident.Priority,
				EnqueuedAt: enqueuedAt,
				AdmittedAt: enqueuedAt,
			},
		}
	}

	if violated.IsRate() {
		return Result{Decision: DecisionRateLimited, Reason: reasonFor(violated)}
	}

	// Concurrency cap: hand off to the priority wait queue. admit is
	// invoked by the queue at wake-up time, re-checking the same caps
	// against the (possibly since-changed) reservation state.
	admit := func() (bool, string) {
		var ok bool
		var violated counter.CapKind
		if isSSE {
			ok, violated = c.bank.TryReserveSse(ident.ID, api, caps)
		} else {
			ok, violated = c.bank.TryReserveUnary(ident.ID, api, caps)
		}
		if ok {
			return true, ""
		}
		return false, string(reasonFor(violated))
	}

	qres := c.queue.Wait(ctx, ident.ID, ident.Priority, snap.Queue.Timeout, admit)
	switch qres.Outcome {
	case queue.OutcomeAdmitted:
		c.noteReserved(isSSE)
		return Result{
			Decision: DecisionAdmitted,
			Ticket: &Ticket{
				IdentityID: ident.ID,
				API:        api,
				IsSSE:      isSSE,
				Priority:   ident.Priority,
				EnqueuedAt: enqueuedAt,
				AdmittedAt: time.Now(),
			},
		}
	case queue.OutcomeRateLimited:
		return Result{Decision: DecisionRateLimited, Reason: Reason(qres.Reason)}
	case queue.OutcomeTimeout:
		return Result{Decision: DecisionQueueTimeout, Reason: ReasonQueueTimeout}
	case queue.OutcomePreempted:
		return Result{Decision: DecisionPreempted, Reason: ReasonPreempted}
	case queue.OutcomeQueueFull:
		return Result{Decision: DecisionQueueFull, Reason: ReasonQueueFull}
	default: // OutcomeCancelled: the caller's ctx was cancelled; no response to send
		return Result{Decision: DecisionQueueTimeout, Reason: ReasonQueueTimeout}
	}
}

// Release releases the concurrency slot held by ticket and wakes the
// next eligible waiter in the priority queue.
func (c *Controller) Release(ticket *Ticket) {
	if ticket.IsSSE {
		c.bank.ReleaseSse(ticket.IdentityID)
	} else {
		c.bank.ReleaseUnary(ticket.IdentityID)
	}
	c.noteReleased(ticket.IsSSE)
	c.queue.Wake()
}

// Reconcile reconciles a ticket's reserved slot kind against actualSSE,
// the classification only known once the downstream response headers
// arrive. Admission time guesses this from the client's Accept header;
// the queue and Counter Bank must account for what the downstream
// actually sent, or max_sse/global-SSE caps silently go unenforced for
// any client that omits or misrepresents Accept.
//
// If ticket already matches actualSSE this is a no-op. Otherwise the
// wrongly-reserved slot is released and the correct one is attempted;
// on success the caller must Release the returned ticket instead of the
// original. On failure the original slot has already been released and
// the caller must not call Release at all.
func (c *Controller) Reconcile(snap *policy.Snapshot, ident *keystore.Identity, api string, ticket *Ticket, actualSSE bool) (*Ticket, bool, Reason) {
	if ticket.IsSSE == actualSSE {
		return ticket, true, ""
	}

	if ticket.IsSSE {
		c.bank.ReleaseSse(ticket.IdentityID)
	} else {
		c.bank.ReleaseUnary(ticket.IdentityID)
	}
	c.queue.Wake()

	caps := capsFor(snap, ident, api)
	var ok bool
	var violated counter.CapKind
	if actualSSE {
		ok, violated = c.bank.TryReserveSse(ident.ID, api, caps)
	} else {
		ok, violated = c.bank.TryReserveUnary(ident.ID, api, caps)
	}
	if !ok {
		// The old slot is already gone and no new one was reserved: the
		// in-flight request this ticket tracked is over.
		c.noteReleased(ticket.IsSSE)
		return nil, false, reasonFor(violated)
	}

	// Same in-flight request, different slot kind: only the SSE gauge
	// moves, ActiveRequests is unaffected.
	if c.Metrics != nil {
		if actualSSE {
			c.Metrics.ActiveSSEStreams.Inc()
		} else {
			c.Metrics.ActiveSSEStreams.Dec()
		}
	}

	return &Ticket{
		IdentityID: ticket.IdentityID,
		API:        ticket.API,
		IsSSE:      actualSSE,
		Priority:   ticket.Priority,
		EnqueuedAt: ticket.EnqueuedAt,
		AdmittedAt: ticket.AdmittedAt,
	}, true, ""
}

// RecordMessage accounts for one SSE message against the shared rpm
// window, per the snapshot observed by the owning request.
func (c *Controller) RecordMessage(snap *policy.Snapshot, ident *keystore.Identity, api string) (ok bool, reason Reason) {
	caps := capsFor(snap, ident, api)
	ok, violated := c.bank.RecordMessage(ident.ID, api, caps)
	if ok {
		return true, ""
	}
	return false, reasonFor(violated)
}

// MatchAPI derives the API identifier for a request, delegating to the
// policy snapshot's configured route patterns.
func MatchAPI(snap *policy.Snapshot, method, path string) string {
	return snap.MatchAPI(method, path)
}
