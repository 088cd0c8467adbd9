package harvest

import (
	"context"
	"time"
)

// JobStore persists job rows and serves stage-ordered pickup queries.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// NextPending returns the oldest highest-priority pending job in the
	// given stage, ordered by (priority desc, created_at asc). The bool is
	// false when no job qualifies.
	NextPending(ctx context.Context, stage JobStage) (Job, bool, error)
	UpdateJob(ctx context.Context, job Job) error
}

// AccountStore persists account rows and counter mutations.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
}

// SnapshotStore persists one snapshot per attempted URL of a job.
type SnapshotStore interface {
	Write(ctx context.Context, snap Snapshot) error
	ListFetched(ctx context.Context, jobID string) ([]Snapshot, error)
	MarkParsed(ctx context.Context, snapshotID string) error
	MarkFailed(ctx context.Context, snapshotID string) error
}

// RecordStore persists parsed records and serves reference lookups.
type RecordStore interface {
	SaveRecord(ctx context.Context, record ParsedRecord) error
	ListRecords(ctx context.Context, jobID string) ([]ParsedRecord, error)
	// HasOrganization reports whether an organization record identified by
	// orgRef has already been harvested.
	HasOrganization(ctx context.Context, orgRef string) (bool, error)
}

// BlobStore writes raw artifacts and reads them back by the URI PutObject
// returned.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Navigator loads one URL inside an authenticated browser session.
type Navigator interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (Page, error)
}

// SessionRegistry owns one live browser session per account.
type SessionRegistry interface {
	GetOrCreate(ctx context.Context, account Account) (Navigator, error)
	Invalidate(accountID string)
	CloseAll()
}

// AccountPool selects and throttles accounts for job execution.
type AccountPool interface {
	Select(ctx context.Context, job Job) (Account, error)
	RecordOutcome(ctx context.Context, accountID string, ok bool) error
	// Wait blocks until the account's rate limiter admits another request.
	Wait(ctx context.Context, accountID string) error
}

// Sentinel classifies a loaded page as normal or a challenge/ban response.
type Sentinel interface {
	Classify(pageURL string, title string, content []byte) Verdict
}

// Verdict is the sentinel's classification of a page.
type Verdict string

// Sentinel verdicts.
const (
	VerdictClean     Verdict = "clean"
	VerdictChallenge Verdict = "challenge"
)

// Parser converts a snapshot into a structured record or a typed failure.
// Implementations must be pure functions of (content, sourceURL).
type Parser interface {
	Parse(content []byte, sourceURL string) (ParsedRecord, error)
}

// Enricher derives follow-on jobs from fields discovered during parsing.
type Enricher interface {
	Enrich(ctx context.Context, parent Job, record ParsedRecord) error
}

// Hasher computes digests for snapshot content integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job/snapshot/record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
