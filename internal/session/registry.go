// Package session owns persistent authenticated browser contexts, one per account.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
)

// Config controls browser session behavior.
type Config struct {
	UserAgent  string
	Headless   bool
	NavTimeout time.Duration
}

// Session binds one live browser context to one account. It is created on
// first use and reused for every job bound to that account until the service
// shuts down or the account is invalidated.
type Session struct {
	AccountID string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	navTimeout    time.Duration
}

// Registry implements harvest.SessionRegistry. Creation is single-flight per
// account so concurrent callers can never race two browsers into existence
// for one login.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]*sync.Mutex
	cfg      Config
	logger   *zap.Logger
	launch   func(ctx context.Context, account harvest.Account) (*Session, error)
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		creating: make(map[string]*sync.Mutex),
		cfg:      cfg,
		logger:   logger,
	}
	r.launch = r.launchBrowser
	return r
}

// GetOrCreate returns the live session for the account, launching a browser
// on first use. Cookies and proxy settings are applied at creation time only;
// callers needing fresh credentials must Invalidate first.
func (r *Registry) GetOrCreate(ctx context.Context, account harvest.Account) (harvest.Navigator, error) {
	if existing := r.lookup(account.ID); existing != nil {
		return existing, nil
	}

	gate := r.creationGate(account.ID)
	gate.Lock()
	defer gate.Unlock()

	// A concurrent caller may have won the race while we waited on the gate.
	if existing := r.lookup(account.ID); existing != nil {
		return existing, nil
	}

	if err := validateCookies(account); err != nil {
		return nil, &harvest.CookieError{AccountID: account.ID, Err: err}
	}

	sess, err := r.launch(ctx, account)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[account.ID] = sess
	r.mu.Unlock()

	r.logger.Info("browser session created",
		zap.String("account_id", account.ID),
		zap.Bool("proxied", account.ProxyURL != ""),
	)
	return sess, nil
}

// Invalidate tears down one account's session, if present.
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	sess, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
	}
	r.mu.Unlock()
	if ok {
		sess.close()
		r.logger.Info("browser session invalidated", zap.String("account_id", accountID))
	}
}

// CloseAll tears down every cached session; called on service shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (r *Registry) lookup(accountID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[accountID]
}

func (r *Registry) creationGate(accountID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	gate, ok := r.creating[accountID]
	if !ok {
		gate = &sync.Mutex{}
		r.creating[accountID] = gate
	}
	return gate
}

// launchBrowser ignores the caller's context on purpose: the session must
// outlive the job that triggered its creation.
func (r *Registry) launchBrowser(_ context.Context, account harvest.Account) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if account.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(account.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	initCtx, cancel := context.WithTimeout(browserCtx, r.cfg.NavTimeout)
	defer cancel()

	actions := []chromedp.Action{
		stealthAction(),
		cookieAction(account.Cookies),
	}
	if err := chromedp.Run(initCtx, actions...); err != nil {
		browserCancel()
		allocCancel()
		if cookieErr, ok := asCookieFailure(err); ok {
			return nil, &harvest.CookieError{AccountID: account.ID, Err: cookieErr}
		}
		return nil, fmt.Errorf("launch browser session: %w", err)
	}

	return &Session{
		AccountID:     account.ID,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		navTimeout:    r.cfg.NavTimeout,
	}, nil
}

// Navigate loads one URL in the session's browser context and returns the
// rendered page.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) (harvest.Page, error) {
	if timeout <= 0 {
		timeout = s.navTimeout
	}
	navCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()

	// Stop early if the caller's context dies mid-navigation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	var (
		html     string
		title    string
		finalURL string
	)
	start := time.Now()
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return harvest.Page{}, &harvest.NavigationError{URL: url, Err: err}
	}

	return harvest.Page{
		URL:      url,
		FinalURL: finalURL,
		Title:    title,
		Content:  []byte(html),
		Duration: time.Since(start),
	}, nil
}

func (s *Session) close() {
	s.browserCancel()
	s.allocCancel()
}

func validateCookies(account harvest.Account) error {
	if len(account.Cookies) == 0 {
		return fmt.Errorf("account has no cookies")
	}
	for i, c := range account.Cookies {
		if c.Name == "" || c.Value == "" {
			return fmt.Errorf("cookie %d is missing name or value", i)
		}
		if c.Domain == "" {
			return fmt.Errorf("cookie %q is missing a domain", c.Name)
		}
	}
	return nil
}

func cookieAction(cookies []harvest.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		for _, c := range cookies {
			param := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(cookiePath(c)).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if err := param.Do(ctx); err != nil {
				return &cookieFailure{err: fmt.Errorf("set cookie %q: %w", c.Name, err)}
			}
		}
		return nil
	})
}

func cookiePath(c harvest.Cookie) string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// cookieFailure marks injection errors so the registry can surface a typed
// CookieError instead of a generic launch failure.
type cookieFailure struct {
	err error
}

func (e *cookieFailure) Error() string { return e.err.Error() }

func (e *cookieFailure) Unwrap() error { return e.err }

func asCookieFailure(err error) (error, bool) {
	for err != nil {
		if failure, ok := err.(*cookieFailure); ok {
			return failure.err, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = unwrapper.Unwrap()
	}
	return nil, false
}
