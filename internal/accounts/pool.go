// Package accounts implements account selection, throttling, and cooldown.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lanternworks/harvester/internal/harvest"
)

// Config controls pool selection and cooldown behavior.
type Config struct {
	FailureThreshold  int
	CooldownBase      time.Duration
	CooldownMax       time.Duration
	RequestsPerSecond float64
	// DefaultDailyLimit caps accounts whose row carries no limit of its
	// own. Zero leaves such accounts uncapped.
	DefaultDailyLimit int
}

// Pool implements harvest.AccountPool over an AccountStore. A single mutex
// makes select-and-increment atomic; the scheduler may therefore grow into a
// worker pool without double-counting usage.
type Pool struct {
	mu       sync.Mutex
	store    harvest.AccountStore
	clock    harvest.Clock
	cfg      Config
	logger   *zap.Logger
	limiters map[string]*rate.Limiter
}

// NewPool constructs a Pool.
func NewPool(store harvest.AccountStore, clock harvest.Clock, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 30 * time.Minute
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 12 * time.Hour
	}
	return &Pool{
		store:    store,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Select picks the least-used eligible account for the job, increments its
// daily counter, and stamps LastUsedAt. It returns
// harvest.ErrNoAccountAvailable when no candidate qualifies; the caller must
// treat that as a job-level failure, not retry it.
func (p *Pool) Select(ctx context.Context, job harvest.Job) (harvest.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all, err := p.store.ListAccounts(ctx)
	if err != nil {
		return harvest.Account{}, &harvest.StorageError{Op: "list accounts", Err: err}
	}

	now := p.clock.Now()
	today := now.Format("2006-01-02")

	candidates := make([]harvest.Account, 0, len(all))
	for _, acct := range all {
		if job.AccountMode == harvest.AccountModeSpecific && !containsID(job.SelectedAccountIDs, acct.ID) {
			continue
		}
		// New calendar day: the usage window resets on first touch.
		if acct.LastUsedDay != today {
			acct.DailyRequestCount = 0
			acct.LastUsedDay = today
		}
		if !p.eligible(acct, now) {
			continue
		}
		candidates = append(candidates, acct)
	}
	if len(candidates) == 0 {
		return harvest.Account{}, harvest.ErrNoAccountAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DailyRequestCount != candidates[j].DailyRequestCount {
			return candidates[i].DailyRequestCount < candidates[j].DailyRequestCount
		}
		return olderLastUsed(candidates[i].LastUsedAt, candidates[j].LastUsedAt)
	})

	chosen := candidates[0]
	chosen.DailyRequestCount++
	chosen.LastUsedAt = &now
	chosen.LastUsedDay = today
	if err := p.store.UpdateAccount(ctx, chosen); err != nil {
		return harvest.Account{}, &harvest.StorageError{Op: "update account", Err: err}
	}
	p.logger.Debug("account selected",
		zap.String("account_id", chosen.ID),
		zap.Int("daily_count", chosen.DailyRequestCount),
	)
	return chosen, nil
}

// RecordOutcome updates failure counters after a job attempt. Crossing the
// failure threshold sets an escalating cooldown without marking the account
// INVALID; validation transitions stay with the external prober.
func (p *Pool) RecordOutcome(ctx context.Context, accountID string, ok bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return &harvest.StorageError{Op: "get account", Err: err}
	}

	if ok {
		acct.ConsecutiveFailures = 0
	} else {
		acct.ConsecutiveFailures++
		if acct.ConsecutiveFailures >= p.cfg.FailureThreshold {
			until := p.clock.Now().Add(p.cooldownWindow(acct.ConsecutiveFailures))
			acct.CooldownUntil = &until
			p.logger.Warn("account placed in cooldown",
				zap.String("account_id", acct.ID),
				zap.Int("consecutive_failures", acct.ConsecutiveFailures),
				zap.Time("cooldown_until", until),
			)
		}
	}

	if err := p.store.UpdateAccount(ctx, acct); err != nil {
		return &harvest.StorageError{Op: "update account", Err: err}
	}
	return nil
}

// ApplyValidation persists a health verdict reported by the validator path.
func (p *Pool) ApplyValidation(ctx context.Context, accountID string, status harvest.ValidationStatus, errText string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return &harvest.StorageError{Op: "get account", Err: err}
	}
	acct.ValidationStatus = status
	acct.LastErrorText = errText
	if err := p.store.UpdateAccount(ctx, acct); err != nil {
		return &harvest.StorageError{Op: "update account", Err: err}
	}
	return nil
}

// Wait blocks until the account's token bucket allows another request. The
// randomized inter-URL delay provides jitter; this caps the steady rate.
func (p *Pool) Wait(ctx context.Context, accountID string) error {
	p.mu.Lock()
	limiter, ok := p.limiters[accountID]
	if !ok {
		r := rate.Limit(p.cfg.RequestsPerSecond)
		if p.cfg.RequestsPerSecond <= 0 {
			r = rate.Inf
		}
		limiter = rate.NewLimiter(r, 1)
		p.limiters[accountID] = limiter
	}
	p.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("account rate wait: %w", err)
	}
	return nil
}

func (p *Pool) eligible(acct harvest.Account, now time.Time) bool {
	if acct.ValidationStatus != harvest.ValidationActive {
		return false
	}
	limit := acct.DailyRequestLimit
	if limit <= 0 {
		limit = p.cfg.DefaultDailyLimit
	}
	if limit > 0 && acct.DailyRequestCount >= limit {
		return false
	}
	if acct.CooldownUntil != nil && acct.CooldownUntil.After(now) {
		return false
	}
	return true
}

func (p *Pool) cooldownWindow(failures int) time.Duration {
	excess := failures - p.cfg.FailureThreshold
	window := p.cfg.CooldownBase
	for i := 0; i < excess; i++ {
		window *= 2
		if window >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	if window > p.cfg.CooldownMax {
		return p.cfg.CooldownMax
	}
	return window
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func olderLastUsed(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return a.Before(*b)
	}
}
