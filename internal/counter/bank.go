// Package counter implements the Counter Bank: in-process atomic gauges
// and sliding-window request counters keyed by identity and API, used by
// the admission pipeline to decide whether a request may proceed.
//
// Grounded on the lineage's middleware/concurrency.go (AtomicCounter,
// per-key Semaphore) and middleware/ratelimit.go (per-key sliding window
// with periodic trim), generalized from per-org HTTP middleware into a
// standalone bank the Admission Controller calls directly.
package counter

import (
	"sync"
	"time"
)

// reaper runs Bank.Reap on a fixed interval until Stop is called, in the
// start/stop idiom the lineage uses for its background pollers.
type reaper struct {
	stop chan struct{}
}

// window is the trailing interval over which rpm caps are evaluated.
const window = 60 * time.Second

// CapKind identifies which cap was the binding constraint on a reserve
// call that failed.
type CapKind int

const (
	CapNone CapKind = iota
	CapUserRPM
	CapAPIRPM
	CapGlobalRPM
	CapUserConcurrency
	CapGlobalConcurrency
	CapUserSSE
	CapGlobalSSE
)

// IsRate reports whether the cap is a rate (rpm) cap. Rate violations are
// terminal (reject); concurrency/SSE violations hand off to the wait queue.
func (k CapKind) IsRate() bool {
	switch k {
	case CapUserRPM, CapAPIRPM, CapGlobalRPM:
		return true
	default:
		return false
	}
}

// Reason is the stable rejection reason code surfaced to callers.
func (k CapKind) Reason() string {
	switch k {
	case CapUserRPM:
		return "user_limit"
	case CapAPIRPM:
		return "api_limit"
	case CapGlobalRPM:
		return "system_busy"
	default:
		return ""
	}
}

// Caps bundles the limits a single reserve/record call must respect. A
// zero value for a count means "no cap configured for this dimension".
type Caps struct {
	UserRPM           int
	APIRPM            int
	GlobalRPM         int
	UserConcurrency   int
	GlobalConcurrency int
	UserSSE           int
	GlobalSSE         int
}

type identityCell struct {
	concurrency int64
	sse         int64
	rpm         []time.Time
	lastAccess  time.Time
}

// Bank holds every counter cell. A single mutex guards all state: the
// spec permits a coarse global lock as long as latency stays acceptable,
// and linearizability across dimensions is otherwise awkward to get right
// with per-cell locks given a reserve call touches several cells at once.
type Bank struct {
	mu sync.Mutex

	identities map[string]*identityCell
	apiRPM     map[string][]time.Time

	globalConcurrency int64
	globalSSE         int64
	globalRPM         []time.Time

	reaper *reaper
}

// New creates an empty Counter Bank.
func New() *Bank {
	return &Bank{
		identities: make(map[string]*identityCell),
		apiRPM:     make(map[string][]time.Time),
	}
}

// StartReaper launches a background goroutine that calls Reap every
// interval. Call StopReaper to stop it; safe to call at most once
// between StartReaper/StopReaper pairs.
func (b *Bank) StartReaper(interval time.Duration) {
	r := &reaper{stop: make(chan struct{})}
	b.reaper = r
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Reap()
			case <-r.stop:
				return
			}
		}
	}()
}

// StopReaper stops the background reaper started by StartReaper.
func (b *Bank) StopReaper() {
	if b.reaper != nil {
		close(b.reaper.stop)
		b.reaper = nil
	}
}

func (b *Bank) identity(id string, now time.Time) *identityCell {
	cell, ok := b.identities[id]
	if !ok {
		cell = &identityCell{}
		b.identities[id] = cell
	}
	cell.lastAccess = now
	return cell
}

func trim(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	out := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// TryReserveUnary attempts to admit one unary request for identityID
// against api, checking caps in the fixed order: user-rpm, api-rpm,
// global-rpm, user-concurrency, global-concurrency. On success the
// concurrency gauges and the rpm windows are committed atomically with
// the check; on failure nothing is mutated beyond window trimming.
func (b *Bank) TryReserveUnary(identityID, api string, caps Caps) (ok bool, violated CapKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cell := b.identity(identityID, now)
	cell.rpm = trim(cell.rpm, now)
	apiWindow := trim(b.apiRPM[api], now)
	b.globalRPM = trim(b.globalRPM, now)

	if kind, ok := checkRPM(len(cell.rpm), caps.UserRPM, CapUserRPM,
		len(apiWindow), caps.APIRPM, CapAPIRPM,
		len(b.globalRPM), caps.GlobalRPM, CapGlobalRPM); !ok {
		b.apiRPM[api] = apiWindow
		return false, kind
	}
	if caps.UserConcurrency > 0 && cell.concurrency >= int64(caps.UserConcurrency) {
		b.apiRPM[api] = apiWindow
		return false, CapUserConcurrency
	}
	if caps.GlobalConcurrency > 0 && b.globalConcurrency >= int64(caps.GlobalConcurrency) {
		b.apiRPM[api] = apiWindow
		return false, CapGlobalConcurrency
	}

	cell.rpm = append(cell.rpm, now)
	apiWindow = append(apiWindow, now)
	b.apiRPM[api] = apiWindow
	b.globalRPM = append(b.globalRPM, now)
	cell.concurrency++
	b.globalConcurrency++
	return true, CapNone
}

// TryReserveSse attempts to admit one SSE connection, checking the same
// rate caps as TryReserveUnary plus sse-specific concurrency caps in
// order: ... global-concurrency, user-sse, global-sse.
func (b *Bank) TryReserveSse(identityID, api string, caps Caps) (ok bool, violated CapKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cell := b.identity(identityID, now)
	cell.rpm = trim(cell.rpm, now)
	apiWindow := trim(b.apiRPM[api], now)
	b.globalRPM = trim(b.globalRPM, now)

	if kind, ok := checkRPM(len(cell.rpm), caps.UserRPM, CapUserRPM,
		len(apiWindow), caps.APIRPM, CapAPIRPM,
		len(b.globalRPM), caps.GlobalRPM, CapGlobalRPM); !ok {
		b.apiRPM[api] = apiWindow
		return false, kind
	}
	if caps.UserConcurrency > 0 && cell.concurrency >= int64(caps.UserConcurrency) {
		b.apiRPM[api] = apiWindow
		return false, CapUserConcurrency
	}
	if caps.GlobalConcurrency > 0 && b.globalConcurrency >= int64(caps.GlobalConcurrency) {
		b.apiRPM[api] = apiWindow
		return false, CapGlobalConcurrency
	}
	if caps.UserSSE > 0 && cell.sse >= int64(caps.UserSSE) {
		b.apiRPM[api] = apiWindow
		return false, CapUserSSE
	}
	if caps.GlobalSSE > 0 && b.globalSSE >= int64(caps.GlobalSSE) {
		b.apiRPM[api] = apiWindow
		return false, CapGlobalSSE
	}

	cell.rpm = append(cell.rpm, now)
	apiWindow = append(apiWindow, now)
	b.apiRPM[api] = apiWindow
	b.globalRPM = append(b.globalRPM, now)
	cell.concurrency++
	b.globalConcurrency++
	cell.sse++
	b.globalSSE++
	return true, CapNone
}

func checkRPM(userCount, userCap int, userKind CapKind,
	apiCount, apiCap int, apiKind CapKind,
	globalCount, globalCap int, globalKind CapKind) (CapKind, bool) {
	if userCap > 0 && userCount >= userCap {
		return userKind, false
	}
	if apiCap > 0 && apiCount >= apiCap {
		return apiKind, false
	}
	if globalCap > 0 && globalCount >= globalCap {
		return globalKind, false
	}
	return CapNone, true
}

// ReleaseUnary releases one unary concurrency slot. Unconditional:
// gauge release always succeeds, per the spec's resource model.
func (b *Bank) ReleaseUnary(identityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cell := b.identity(identityID, time.Now())
	if cell.concurrency > 0 {
		cell.concurrency--
	}
	if b.globalConcurrency > 0 {
		b.globalConcurrency--
	}
}

// ReleaseSse releases one SSE slot (both the concurrency and SSE gauges).
func (b *Bank) ReleaseSse(identityID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cell := b.identity(identityID, time.Now())
	if cell.concurrency > 0 {
		cell.concurrency--
	}
	if b.globalConcurrency > 0 {
		b.globalConcurrency--
	}
	if cell.sse > 0 {
		cell.sse--
	}
	if b.globalSSE > 0 {
		b.globalSSE--
	}
}

// RecordMessage accounts for one SSE message against the same rpm
// windows a unary request would consume, without touching concurrency
// gauges (the SSE ticket is already held). Returns false with the
// binding cap if the message would exceed a still-live rpm cap.
func (b *Bank) RecordMessage(identityID, api string, caps Caps) (ok bool, violated CapKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cell := b.identity(identityID, now)
	cell.rpm = trim(cell.rpm, now)
	apiWindow := trim(b.apiRPM[api], now)
	b.globalRPM = trim(b.globalRPM, now)

	if kind, ok := checkRPM(len(cell.rpm), caps.UserRPM, CapUserRPM,
		len(apiWindow), caps.APIRPM, CapAPIRPM,
		len(b.globalRPM), caps.GlobalRPM, CapGlobalRPM); !ok {
		b.apiRPM[api] = apiWindow
		return false, kind
	}

	cell.rpm = append(cell.rpm, now)
	apiWindow = append(apiWindow, now)
	b.apiRPM[api] = apiWindow
	b.globalRPM = append(b.globalRPM, now)
	return true, CapNone
}

// Snapshot is a point-in-time aggregate view of the bank, for the admin
// monitor endpoint and /health.
type Snapshot struct {
	GlobalConcurrent int64
	GlobalSSEActive  int64
	TrackedIdentities int
}

// Snapshot returns the current aggregate counters.
func (b *Bank) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		GlobalConcurrent:  b.globalConcurrency,
		GlobalSSEActive:   b.globalSSE,
		TrackedIdentities: len(b.identities),
	}
}

// Reap drops identity cells that are fully idle — no outstanding
// concurrency or SSE slots, an empty rpm window, and untouched for
// longer than the window — freeing memory for identities no longer in
// active use. Intended to be called periodically from a background
// goroutine.
func (b *Bank) Reap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for id, cell := range b.identities {
		if cell.concurrency != 0 || cell.sse != 0 {
			continue
		}
		cell.rpm = trim(cell.rpm, now)
		if len(cell.rpm) != 0 {
			continue
		}
		if now.Sub(cell.lastAccess) > window {
			delete(b.identities, id)
		}
	}
	for api, events := range b.apiRPM {
		trimmed := trim(events, now)
		if len(trimmed) == 0 {
			delete(b.apiRPM, api)
			continue
		}
		b.apiRPM[api] = trimmed
	}
}
