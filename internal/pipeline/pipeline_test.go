package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/hash/sha256"
	"github.com/lanternworks/harvester/internal/metrics"
	"github.com/lanternworks/harvester/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return "id-" + string(rune('0'+g.n)), nil
}

type fakePool struct {
	account   harvest.Account
	selectErr error
	waits     int
	outcomes  []bool
}

func (p *fakePool) Select(_ context.Context, _ harvest.Job) (harvest.Account, error) {
	if p.selectErr != nil {
		return harvest.Account{}, p.selectErr
	}
	return p.account, nil
}

func (p *fakePool) RecordOutcome(_ context.Context, _ string, ok bool) error {
	p.outcomes = append(p.outcomes, ok)
	return nil
}

func (p *fakePool) Wait(_ context.Context, _ string) error {
	p.waits++
	return nil
}

type fakeNavigator struct {
	pages map[string]harvest.Page
	errs  map[string]error
	seen  []string
}

func (n *fakeNavigator) Navigate(_ context.Context, url string, _ time.Duration) (harvest.Page, error) {
	n.seen = append(n.seen, url)
	if err, ok := n.errs[url]; ok {
		return harvest.Page{}, &harvest.NavigationError{URL: url, Err: err}
	}
	page, ok := n.pages[url]
	if !ok {
		return harvest.Page{}, &harvest.NavigationError{URL: url, Err: errors.New("no fixture")}
	}
	return page, nil
}

type fakeRegistry struct {
	nav harvest.Navigator
	err error
}

func (r *fakeRegistry) GetOrCreate(_ context.Context, _ harvest.Account) (harvest.Navigator, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.nav, nil
}

func (r *fakeRegistry) Invalidate(string) {}
func (r *fakeRegistry) CloseAll()         {}

// stubSentinel flags any page whose final URL contains "checkpoint".
type stubSentinel struct{}

func (stubSentinel) Classify(pageURL string, _ string, _ []byte) harvest.Verdict {
	if strings.Contains(pageURL, "checkpoint") {
		return harvest.VerdictChallenge
	}
	return harvest.VerdictClean
}

type fetchHarness struct {
	stage  *FetchStage
	jobs   *memory.JobStore
	snaps  *memory.SnapshotStore
	blobs  *memory.BlobStore
	pool   *fakePool
	nav    *fakeNavigator
	sleeps []time.Duration
}

func newFetchHarness(t *testing.T, cfg FetchConfig) *fetchHarness {
	t.Helper()
	metrics.Init()
	h := &fetchHarness{
		jobs:  memory.NewJobStore(),
		snaps: memory.NewSnapshotStore(),
		blobs: memory.NewBlobStore(),
		pool:  &fakePool{account: harvest.Account{ID: "acct-1"}},
		nav:   &fakeNavigator{pages: map[string]harvest.Page{}, errs: map[string]error{}},
	}
	h.stage = NewFetchStage(
		h.jobs, h.snaps, h.blobs, h.pool,
		&fakeRegistry{nav: h.nav}, stubSentinel{},
		sha256.New(), fixedClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDs{},
		cfg, zap.NewNop(),
	)
	h.stage.sleep = func(_ context.Context, d time.Duration) {
		h.sleeps = append(h.sleeps, d)
	}
	return h
}

func (h *fetchHarness) createJob(t *testing.T, job harvest.Job) harvest.Job {
	t.Helper()
	if job.ID == "" {
		job.ID = "job-1"
	}
	if job.Stage == "" {
		job.Stage = harvest.JobStageFetch
	}
	if job.Status == "" {
		job.Status = harvest.JobStatusPending
	}
	require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	return job
}

func okPage(url string) harvest.Page {
	return harvest.Page{
		URL:      url,
		FinalURL: url,
		Title:    "Jane Doe",
		Content:  []byte("<html><h1>Jane Doe</h1></html>"),
		Duration: 1200 * time.Millisecond,
	}
}

func TestFetchHappyPathFlipsJobToParse(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{BlobPrefix: "snapshots"})
	urls := []string{"https://x.test/in/jane", "https://x.test/in/john"}
	h.nav.pages[urls[0]] = okPage(urls[0])
	h.nav.pages[urls[1]] = okPage(urls[1])
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: urls})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStageParse, got.Stage)
	require.Equal(t, harvest.JobStatusPending, got.Status)
	require.Equal(t, harvest.JobProgress{Total: 2, Fetched: 2}, got.Progress)
	require.Equal(t, "acct-1", got.BoundAccountID)
	require.NotNil(t, got.StartedAt)

	snaps, err := h.snaps.ListFetched(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, urls[0], snaps[0].URL)
	require.Equal(t, harvest.SnapshotFetched, snaps[0].Status)
	require.NotEmpty(t, snaps[0].ContentHash)
	require.NotEmpty(t, snaps[0].BlobURI)

	require.Equal(t, 2, h.pool.waits)
	require.Equal(t, []bool{true}, h.pool.outcomes)
}

func TestFetchPausesAfterEveryURLIncludingLast(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{DelayMin: time.Second, DelayMax: 2 * time.Second})
	urls := []string{"https://x.test/in/jane", "https://x.test/in/john"}
	h.nav.pages[urls[0]] = okPage(urls[0])
	h.nav.pages[urls[1]] = okPage(urls[1])
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: urls})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	require.Len(t, h.sleeps, 2)
	for _, d := range h.sleeps {
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestFetchNavigationErrorContinues(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{})
	urls := []string{"https://x.test/in/gone", "https://x.test/in/jane"}
	h.nav.errs[urls[0]] = errors.New("net timeout")
	h.nav.pages[urls[1]] = okPage(urls[1])
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: urls})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStageParse, got.Stage)
	require.Equal(t, harvest.JobStatusPending, got.Status)
	require.Equal(t, harvest.JobProgress{Total: 2, Fetched: 1, Failed: 1}, got.Progress)

	all, err := h.snaps.ListAll(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, harvest.SnapshotFailed, all[0].Status)
	require.Contains(t, all[0].FailureReason, "net timeout")
}

func TestFetchChallengeFailsJob(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{})
	urls := []string{"https://x.test/in/jane", "https://x.test/in/john"}
	page := okPage(urls[0])
	page.FinalURL = "https://x.test/checkpoint/challenge"
	h.nav.pages[urls[0]] = page
	h.nav.pages[urls[1]] = okPage(urls[1])
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: urls})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "anti-detection triggered at "+urls[0])
	require.NotNil(t, got.CompletedAt)

	// Only the triggering URL gets a snapshot; the second is never visited.
	all, err := h.snaps.ListAll(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, harvest.SnapshotFailed, all[0].Status)
	require.Equal(t, []string{urls[0]}, h.nav.seen)
	require.Equal(t, []bool{false}, h.pool.outcomes)
}

func TestFetchNoAccountAvailableFailsJob(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{})
	h.pool.selectErr = harvest.ErrNoAccountAvailable
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: []string{"https://x.test/in/jane"}})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, got.Status)
	require.Equal(t, "no available account", got.ErrorText)
}

func TestFetchCookieErrorFailsJobAndRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{})
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: []string{"https://x.test/in/jane"}})

	registry := &fakeRegistry{err: &harvest.CookieError{AccountID: "acct-1", Err: errors.New("missing domain")}}
	h.stage.sessions = registry

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, got.Status)
	require.Contains(t, got.ErrorText, "cookie injection failed")
	require.Equal(t, []bool{false}, h.pool.outcomes)
}

func TestFetchCancelBetweenURLsSticks(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{DelayMin: time.Second, DelayMax: time.Second})
	urls := []string{"https://x.test/in/jane", "https://x.test/in/john"}
	h.nav.pages[urls[0]] = okPage(urls[0])
	h.nav.pages[urls[1]] = okPage(urls[1])
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: urls})

	// Cancel the stored job during the pacing pause, the way the cancel
	// endpoint would while the stage is mid-run.
	h.stage.sleep = func(context.Context, time.Duration) {
		got, err := h.jobs.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Terminal() {
			return
		}
		now := time.Unix(1700000100, 0).UTC()
		got.Status = harvest.JobStatusCancelled
		got.CompletedAt = &now
		require.NoError(t, h.jobs.UpdateJob(context.Background(), got))
	}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, got.Status)
	require.Equal(t, harvest.JobStageFetch, got.Stage)
	require.NotNil(t, got.CompletedAt)
}

func TestFetchCancelDuringFinalPauseSkipsStageFlip(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{DelayMin: time.Second, DelayMax: time.Second})
	target := "https://x.test/in/jane"
	h.nav.pages[target] = okPage(target)
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeProfile, URLs: []string{target}})

	// The only pause is the one after the last URL; a cancel landing there
	// must not be overwritten by the flip to parse.
	h.stage.sleep = func(context.Context, time.Duration) {
		got, err := h.jobs.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		got.Status = harvest.JobStatusCancelled
		require.NoError(t, h.jobs.UpdateJob(context.Background(), got))
	}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, got.Status)
	require.Equal(t, harvest.JobStageFetch, got.Stage)
}

func TestFetchSynthesizesSearchURL(t *testing.T) {
	t.Parallel()

	h := newFetchHarness(t, FetchConfig{
		SearchURLTemplate: "https://x.test/search/results/?keywords=%s",
	})
	target := "https://x.test/search/results/?keywords=staff+engineer"
	page := okPage(target)
	page.Content = []byte(`<html><a href="/in/jane">Jane</a></html>`)
	h.nav.pages[target] = page
	job := h.createJob(t, harvest.Job{Type: harvest.JobTypeSearch, SearchQuery: "staff engineer"})

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStageParse, got.Stage)
	require.Equal(t, []string{target}, h.nav.seen)
	require.Equal(t, 1, got.Progress.Total)
}

type stubParser struct {
	records map[string]harvest.ParsedRecord
	errs    map[string]*harvest.ParseError
}

func (p *stubParser) Parse(_ []byte, sourceURL string) (harvest.ParsedRecord, error) {
	if err, ok := p.errs[sourceURL]; ok {
		return harvest.ParsedRecord{}, err
	}
	return p.records[sourceURL], nil
}

type recordingEnricher struct {
	calls []harvest.ParsedRecord
	// onEnrich, when set, runs after each call is recorded.
	onEnrich func()
}

func (e *recordingEnricher) Enrich(_ context.Context, _ harvest.Job, record harvest.ParsedRecord) error {
	e.calls = append(e.calls, record)
	if e.onEnrich != nil {
		e.onEnrich()
	}
	return nil
}

type recordingPublisher struct {
	topics   []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

type parseHarness struct {
	stage     *ParseStage
	jobs      *memory.JobStore
	snaps     *memory.SnapshotStore
	records   *memory.RecordStore
	blobs     *memory.BlobStore
	parser    *stubParser
	enricher  *recordingEnricher
	publisher *recordingPublisher
}

func newParseHarness(t *testing.T) *parseHarness {
	t.Helper()
	metrics.Init()
	h := &parseHarness{
		jobs:      memory.NewJobStore(),
		snaps:     memory.NewSnapshotStore(),
		records:   memory.NewRecordStore(),
		blobs:     memory.NewBlobStore(),
		parser:    &stubParser{records: map[string]harvest.ParsedRecord{}, errs: map[string]*harvest.ParseError{}},
		enricher:  &recordingEnricher{},
		publisher: &recordingPublisher{},
	}
	h.stage = NewParseStage(
		h.jobs, h.snaps, h.records, h.blobs,
		h.parser, h.enricher, h.publisher,
		fixedClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDs{},
		ParseConfig{CompletionTopic: "harvest-events"}, zap.NewNop(),
	)
	return h
}

func (h *parseHarness) seedJob(t *testing.T) harvest.Job {
	t.Helper()
	job := harvest.Job{
		ID:       "job-1",
		Type:     harvest.JobTypeProfile,
		Stage:    harvest.JobStageParse,
		Status:   harvest.JobStatusPending,
		URLs:     []string{"https://x.test/in/jane", "https://x.test/in/john"},
		Progress: harvest.JobProgress{Total: 2, Fetched: 2},
	}
	require.NoError(t, h.jobs.CreateJob(context.Background(), job))
	return job
}

func (h *parseHarness) seedSnapshot(t *testing.T, id, url string, ordinal int, content []byte) {
	t.Helper()
	require.NoError(t, h.snaps.Write(context.Background(), harvest.Snapshot{
		ID:       id,
		JobID:    "job-1",
		URL:      url,
		PageType: harvest.PageTypeProfile,
		Ordinal:  ordinal,
		Status:   harvest.SnapshotFetched,
		Content:  content,
	}))
}

func TestParseHappyPathCompletesJob(t *testing.T) {
	t.Parallel()

	h := newParseHarness(t)
	job := h.seedJob(t)
	h.seedSnapshot(t, "snap-1", job.URLs[0], 0, []byte("<html/>"))
	h.seedSnapshot(t, "snap-2", job.URLs[1], 1, []byte("<html/>"))
	h.parser.records[job.URLs[0]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true, OrgRef: "acme"}
	h.parser.records[job.URLs[1]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStageCompleted, got.Stage)
	require.Equal(t, harvest.JobStatusCompleted, got.Status)
	require.Equal(t, 2, got.Progress.Parsed)
	require.NotNil(t, got.CompletedAt)

	records, err := h.records.ListRecords(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "snap-1", records[0].SnapshotID)

	require.Len(t, h.enricher.calls, 2)
	require.Equal(t, "acme", h.enricher.calls[0].OrgRef)

	require.Equal(t, []string{"harvest-events"}, h.publisher.topics)

	// All snapshots transitioned out of fetched.
	remaining, err := h.snaps.ListFetched(context.Background(), job.ID)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestParseErrorRecordsFailureAndContinues(t *testing.T) {
	t.Parallel()

	h := newParseHarness(t)
	job := h.seedJob(t)
	h.seedSnapshot(t, "snap-1", job.URLs[0], 0, []byte("<html/>"))
	h.seedSnapshot(t, "snap-2", job.URLs[1], 1, []byte("<html/>"))
	h.parser.errs[job.URLs[0]] = &harvest.ParseError{URL: job.URLs[0], Reason: "profile name marker missing"}
	h.parser.records[job.URLs[1]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, got.Status)
	require.Equal(t, 1, got.Progress.Parsed)
	require.Equal(t, 1, got.Progress.Failed)

	records, err := h.records.ListRecords(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.False(t, records[0].Success)
	require.Equal(t, "profile name marker missing", records[0].ErrorText)
	require.True(t, records[1].Success)
}

func TestParseReadsContentFromBlobStore(t *testing.T) {
	t.Parallel()

	h := newParseHarness(t)
	job := h.seedJob(t)

	uri, err := h.blobs.PutObject(context.Background(), "snapshots/job-1/abc.html", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.NoError(t, h.snaps.Write(context.Background(), harvest.Snapshot{
		ID:       "snap-1",
		JobID:    job.ID,
		URL:      job.URLs[0],
		PageType: harvest.PageTypeProfile,
		Status:   harvest.SnapshotFetched,
		BlobURI:  uri,
	}))
	h.parser.records[job.URLs[0]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, got.Status)
	require.Equal(t, 1, got.Progress.Parsed)
}

func TestParseCancelMidStageSkipsCompletion(t *testing.T) {
	t.Parallel()

	h := newParseHarness(t)
	job := h.seedJob(t)
	h.seedSnapshot(t, "snap-1", job.URLs[0], 0, []byte("<html/>"))
	h.seedSnapshot(t, "snap-2", job.URLs[1], 1, []byte("<html/>"))
	h.parser.records[job.URLs[0]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true}
	h.parser.records[job.URLs[1]] = harvest.ParsedRecord{PageType: harvest.PageTypeProfile, Success: true}

	// Cancel the stored job while the stage is between snapshots.
	h.enricher.onEnrich = func() {
		got, err := h.jobs.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Terminal() {
			return
		}
		got.Status = harvest.JobStatusCancelled
		require.NoError(t, h.jobs.UpdateJob(context.Background(), got))
	}

	require.NoError(t, h.stage.Execute(context.Background(), job))

	got, err := h.jobs.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, got.Status)
	require.Equal(t, harvest.JobStageParse, got.Stage)
	require.Nil(t, got.CompletedAt)
	require.Empty(t, h.publisher.topics)
}

func TestParseMissingContentRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newParseHarness(t)
	job := h.seedJob(t)
	require.NoError(t, h.snaps.Write(context.Background(), harvest.Snapshot{
		ID:       "snap-1",
		JobID:    job.ID,
		URL:      job.URLs[0],
		PageType: harvest.PageTypeProfile,
		Status:   harvest.SnapshotFetched,
	}))

	require.NoError(t, h.stage.Execute(context.Background(), job))

	records, err := h.records.ListRecords(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Contains(t, records[0].ErrorText, "content unavailable")
}
