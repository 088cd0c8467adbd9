package accounts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
)

// ProberConfig controls the cookie-probe validator.
type ProberConfig struct {
	ProbeURL  string
	UserAgent string
	Timeout   time.Duration
}

// Prober checks whether an account's cookie set still opens the platform's
// authenticated feed, using a plain HTTP GET rather than a full browser
// session. It only produces verdicts; the pool applies them.
type Prober struct {
	cfg    ProberConfig
	pool   *Pool
	logger *zap.Logger
}

// NewProber constructs a Prober.
func NewProber(cfg ProberConfig, pool *Pool, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Prober{cfg: cfg, pool: pool, logger: logger}
}

// Probe checks one account and applies the resulting validation status.
func (p *Prober) Probe(ctx context.Context, account harvest.Account) error {
	if p.cfg.ProbeURL == "" {
		return fmt.Errorf("probe url is not configured")
	}

	status, errText := p.probeOnce(account)
	if err := p.pool.ApplyValidation(ctx, account.ID, status, errText); err != nil {
		return fmt.Errorf("apply validation: %w", err)
	}
	p.logger.Info("account probed",
		zap.String("account_id", account.ID),
		zap.String("status", string(status)),
	)
	return nil
}

// ProbeAll validates every stored account once.
func (p *Prober) ProbeAll(ctx context.Context, store harvest.AccountStore) error {
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return &harvest.StorageError{Op: "list accounts", Err: err}
	}
	for _, acct := range accounts {
		if err := p.Probe(ctx, acct); err != nil {
			p.logger.Warn("probe failed", zap.String("account_id", acct.ID), zap.Error(err))
		}
	}
	return nil
}

func (p *Prober) probeOnce(account harvest.Account) (harvest.ValidationStatus, string) {
	collector := colly.NewCollector(colly.Async(false))
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(p.cfg.Timeout)

	if err := collector.SetCookies(p.cfg.ProbeURL, toHTTPCookies(account.Cookies)); err != nil {
		return harvest.ValidationInvalid, fmt.Sprintf("set cookies: %v", err)
	}

	status := harvest.ValidationPending
	errText := ""

	collector.OnResponse(func(r *colly.Response) {
		if looksUnauthenticated(r.Request.URL.Path) {
			status = harvest.ValidationInvalid
			errText = "redirected to login"
			return
		}
		status = harvest.ValidationActive
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && (r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden) {
			status = harvest.ValidationInvalid
			errText = fmt.Sprintf("status %d", r.StatusCode)
			return
		}
		// Network trouble is not proof the cookies are dead.
		status = harvest.ValidationPending
		errText = err.Error()
	})

	if err := collector.Visit(p.cfg.ProbeURL); err != nil {
		return harvest.ValidationPending, err.Error()
	}
	collector.Wait()
	return status, errText
}

func looksUnauthenticated(path string) bool {
	lowered := strings.ToLower(path)
	return strings.Contains(lowered, "login") || strings.Contains(lowered, "authwall")
}

func toHTTPCookies(cookies []harvest.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}
