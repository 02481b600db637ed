// Package policy is the healing safety gate: a process-wide sliding-window
// rate limit, a cooldown per action and target, and a blast radius cap.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moolen/sentinel/internal/config"
	"github.com/moolen/sentinel/internal/logging"
	"github.com/moolen/sentinel/internal/metrics"
	"github.com/moolen/sentinel/internal/models"
)

// Request is what the gate evaluates. Affected lists the candidate objects of
// a set-valued action; Magnitude is the size of a scalar change such as
// |Δreplicas|.
type Request struct {
	Action    models.HealingAction
	Affected  []string
	Magnitude int
}

// Key identifies the cooldown slot of an action.
func Key(action models.HealingAction) string {
	return string(action.Type) + "|" + action.Target.Key()
}

// Engine holds all gate state. The zero value is not usable; use New.
type Engine struct {
	mu        sync.Mutex
	cfg       config.HealingConfig
	slots     []time.Time
	cooldowns map[string]time.Time

	locksMu sync.Mutex
	locks   map[string]*keyLock

	now    func() time.Time
	logger *logging.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an engine with empty state.
func New(cfg config.HealingConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
		locks:     make(map[string]*keyLock),
		now:       time.Now,
		logger:    logging.GetLogger("healing.policy"),
	}, nil
}

// WithClock replaces the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Lock serializes callers on key and returns the matching unlock.
func (e *Engine) Lock(key string) func() {
	e.locksMu.Lock()
	kl, ok := e.locks[key]
	if !ok {
		kl = &keyLock{}
		e.locks[key] = kl
	}
	kl.refs++
	e.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		e.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(e.locks, key)
		}
		e.locksMu.Unlock()
	}
}

// Evaluate applies rate limit, cooldown and blast radius in that order. A
// real action that is allowed reserves a rate slot and starts its cooldown
// before returning. A dry run never touches cooldowns and only takes a slot
// when DryRunConsumesRateLimit is set.
func (e *Engine) Evaluate(req Request) models.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.prune(now)
	action := req.Action
	key := Key(action)

	decision := e.evaluate(now, key, req)
	if decision.Allowed {
		if !action.DryRun || e.cfg.DryRunConsumesRateLimit {
			e.slots = append(e.slots, now)
		}
		if !action.DryRun {
			e.cooldowns[key] = now
		}
	}

	metrics.SetRateWindowUsage(len(e.slots))
	metrics.ObserveDecision(string(action.Type), decisionLabel(decision), action.DryRun)
	e.logger.DebugWithFields("policy decision",
		logging.Field("key", key),
		logging.Field("allowed", decision.Allowed),
		logging.Field("reason", string(decision.Reason)),
		logging.Field("dry_run", action.DryRun),
	)
	return decision
}

func (e *Engine) evaluate(now time.Time, key string, req Request) models.Decision {
	if len(e.slots) >= e.cfg.RateLimit {
		retry := e.slots[0].Add(e.cfg.RateWindow).Sub(now)
		return models.Decision{
			Reason:            models.ReasonRateLimitExceeded,
			Message:           fmt.Sprintf("rate limit of %d actions per %s reached", e.cfg.RateLimit, e.cfg.RateWindow),
			RetryAfterSeconds: ceilSeconds(retry),
		}
	}

	if started, ok := e.cooldowns[key]; ok {
		if remaining := started.Add(e.cfg.Cooldown).Sub(now); remaining > 0 {
			return models.Decision{
				Reason:            models.ReasonCooldownActive,
				Message:           fmt.Sprintf("%s is cooling down for another %s", key, remaining.Round(time.Second)),
				RetryAfterSeconds: ceilSeconds(remaining),
			}
		}
	}

	if req.Magnitude > e.cfg.BlastRadius {
		return models.Decision{
			Reason:  models.ReasonBlastRadiusExceeded,
			Message: fmt.Sprintf("change of %d exceeds the blast radius of %d", req.Magnitude, e.cfg.BlastRadius),
		}
	}

	decision := models.Decision{Allowed: true, Message: "allowed"}
	if len(req.Affected) > 0 {
		affected := append([]string(nil), req.Affected...)
		sort.Strings(affected)
		if len(affected) > e.cfg.BlastRadius {
			decision.BlastRadiusApplied = true
			decision.Executed = affected[:e.cfg.BlastRadius]
			decision.Skipped = affected[e.cfg.BlastRadius:]
			decision.Message = fmt.Sprintf("allowed, capped to %d of %d targets", e.cfg.BlastRadius, len(affected))
		} else {
			decision.Executed = affected
		}
	}
	return decision
}

// prune drops expired slots and cooldowns. Callers hold e.mu.
func (e *Engine) prune(now time.Time) {
	cutoff := now.Add(-e.cfg.RateWindow)
	i := 0
	for i < len(e.slots) && !e.slots[i].After(cutoff) {
		i++
	}
	e.slots = e.slots[i:]

	for key, started := range e.cooldowns {
		if !started.Add(e.cfg.Cooldown).After(now) {
			delete(e.cooldowns, key)
		}
	}
}

// UpdatePolicy swaps the limits. Existing slots and cooldowns are kept and
// judged against the new limits.
func (e *Engine) UpdatePolicy(cfg config.HealingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.logger.Info("healing policy updated: rate_limit=%d/%s cooldown=%s blast_radius=%d dry_run_consumes=%t",
		cfg.RateLimit, cfg.RateWindow, cfg.Cooldown, cfg.BlastRadius, cfg.DryRunConsumesRateLimit)
	return nil
}

// Policy returns the active limits.
func (e *Engine) Policy() config.HealingConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Replay seeds state from ledger records that still fall inside the rate
// window or a cooldown. Records must be in append order.
func (e *Engine) Replay(records []models.ActionRecord) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	seeded := 0
	for _, r := range records {
		if !r.Decision.Allowed {
			continue
		}
		consumed := !r.DryRun || e.cfg.DryRunConsumesRateLimit
		if consumed && r.Timestamp.After(now.Add(-e.cfg.RateWindow)) {
			e.slots = append(e.slots, r.Timestamp)
			seeded++
		}
		if !r.DryRun && r.Timestamp.Add(e.cfg.Cooldown).After(now) {
			e.cooldowns[Key(r.Action)] = r.Timestamp
		}
	}
	sort.Slice(e.slots, func(i, j int) bool { return e.slots[i].Before(e.slots[j]) })
	e.prune(now)
	metrics.SetRateWindowUsage(len(e.slots))
	return seeded
}

// Cooldown is one active cooldown.
type Cooldown struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is a snapshot of the gate.
type Status struct {
	RateLimit      int        `json:"rate_limit"`
	RateWindow     string     `json:"rate_window"`
	RateUsed       int        `json:"rate_used"`
	RateRemaining  int        `json:"rate_remaining"`
	Cooldown       string     `json:"cooldown"`
	BlastRadius    int        `json:"blast_radius"`
	DryRunConsumes bool       `json:"dry_run_consumes_rate_limit"`
	Cooldowns      []Cooldown `json:"active_cooldowns"`
}

// Status returns a snapshot of the current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.prune(now)

	s := Status{
		RateLimit:      e.cfg.RateLimit,
		RateWindow:     e.cfg.RateWindow.String(),
		RateUsed:       len(e.slots),
		RateRemaining:  max(0, e.cfg.RateLimit-len(e.slots)),
		Cooldown:       e.cfg.Cooldown.String(),
		BlastRadius:    e.cfg.BlastRadius,
		DryRunConsumes: e.cfg.DryRunConsumesRateLimit,
		Cooldowns:      []Cooldown{},
	}
	for key, started := range e.cooldowns {
		s.Cooldowns = append(s.Cooldowns, Cooldown{Key: key, ExpiresAt: started.Add(e.cfg.Cooldown)})
	}
	sort.Slice(s.Cooldowns, func(i, j int) bool { return s.Cooldowns[i].Key < s.Cooldowns[j].Key })
	return s
}

func decisionLabel(d models.Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return string(d.Reason)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
