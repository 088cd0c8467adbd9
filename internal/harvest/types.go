// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// JobType identifies the kind of record a job targets.
type JobType string

// Job type values accepted at intake.
const (
	JobTypeProfile      JobType = "profile"
	JobTypeOrganization JobType = "organization"
	JobTypeSearch       JobType = "search"
)

// JobStage is the processing phase a job currently sits in.
type JobStage string

// Job stage values persisted in the job store.
const (
	JobStageFetch     JobStage = "fetch"
	JobStageParse     JobStage = "parse"
	JobStageCompleted JobStage = "completed"
)

// JobStatus represents the lifecycle state of a job within its stage.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// AccountMode selects how an account is chosen for a job.
type AccountMode string

// Account selection modes accepted at intake.
const (
	AccountModeRotation AccountMode = "rotation"
	AccountModeSpecific AccountMode = "specific"
)

// JobProgress tracks per-URL outcomes for a job.
type JobProgress struct {
	Total   int `json:"total"`
	Fetched int `json:"fetched"`
	Parsed  int `json:"parsed"`
	Failed  int `json:"failed"`
}

// Job represents the metadata persisted for each submitted harvest request.
type Job struct {
	ID                 string      `json:"id"`
	Type               JobType     `json:"type"`
	Stage              JobStage    `json:"stage"`
	Status             JobStatus   `json:"status"`
	Priority           int         `json:"priority"`
	AccountMode        AccountMode `json:"account_mode"`
	SelectedAccountIDs []string    `json:"selected_account_ids,omitempty"`
	BoundAccountID     string      `json:"bound_account_id,omitempty"`
	URLs               []string    `json:"urls"`
	SearchQuery        string      `json:"search_query,omitempty"`
	Progress           JobProgress `json:"progress"`
	ErrorText          string      `json:"error_text,omitempty"`
	ParentJobID        string      `json:"parent_job_id,omitempty"`
	EnrichmentDepth    int         `json:"enrichment_depth,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ValidationStatus is the health state assigned to an account.
type ValidationStatus string

// Validation status values persisted on accounts.
const (
	ValidationActive  ValidationStatus = "ACTIVE"
	ValidationPending ValidationStatus = "PENDING"
	ValidationInvalid ValidationStatus = "INVALID"
)

// Cookie is one authentication cookie belonging to an account.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// Account carries the credentials and usage counters for one platform login.
type Account struct {
	ID                  string           `json:"id"`
	Label               string           `json:"label,omitempty"`
	Cookies             []Cookie         `json:"cookies"`
	ProxyURL            string           `json:"proxy_url,omitempty"`
	DailyRequestCount   int              `json:"daily_request_count"`
	DailyRequestLimit   int              `json:"daily_request_limit"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	CooldownUntil       *time.Time       `json:"cooldown_until,omitempty"`
	ValidationStatus    ValidationStatus `json:"validation_status"`
	LastUsedAt          *time.Time       `json:"last_used_at,omitempty"`
	LastUsedDay         string           `json:"last_used_day,omitempty"`
	LastErrorText       string           `json:"last_error_text,omitempty"`
}

// PageType classifies the content captured in a snapshot.
type PageType string

// Page type values recorded on snapshots.
const (
	PageTypeProfile      PageType = "profile"
	PageTypeOrganization PageType = "organization"
	PageTypeSearch       PageType = "search"
)

// SnapshotStatus is the processing state of a captured page.
type SnapshotStatus string

// Snapshot status values persisted in the snapshot store.
const (
	SnapshotFetched SnapshotStatus = "fetched"
	SnapshotParsed  SnapshotStatus = "parsed"
	SnapshotFailed  SnapshotStatus = "failed"
)

// Snapshot is the immutable raw content captured for one URL within one job.
// Content never changes after the write; only Status transitions.
type Snapshot struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	URL           string         `json:"url"`
	PageType      PageType       `json:"page_type"`
	Ordinal       int            `json:"ordinal"`
	Status        SnapshotStatus `json:"status"`
	Content       []byte         `json:"-"`
	ContentHash   string         `json:"content_hash,omitempty"`
	BlobURI       string         `json:"blob_uri,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	FetchedAt     time.Time      `json:"fetched_at"`
}

// ParsedRecord is the structured output produced for one snapshot.
type ParsedRecord struct {
	ID         string            `json:"id"`
	JobID      string            `json:"job_id"`
	SnapshotID string            `json:"snapshot_id"`
	PageType   PageType          `json:"page_type"`
	Fields     map[string]string `json:"fields,omitempty"`
	OrgRef     string            `json:"org_ref,omitempty"`
	Success    bool              `json:"success"`
	ErrorText  string            `json:"error_text,omitempty"`
	ParsedAt   time.Time         `json:"parsed_at"`
}

// Page is the result of navigating a session to one URL.
type Page struct {
	URL      string
	FinalURL string
	Title    string
	Content  []byte
	Duration time.Duration
}

// JobRequest is the intake payload accepted from the external API layer.
type JobRequest struct {
	Type               JobType     `json:"type"`
	URLs               []string    `json:"urls,omitempty"`
	SearchQuery        string      `json:"search_query,omitempty"`
	AccountMode        AccountMode `json:"account_mode,omitempty"`
	SelectedAccountIDs []string    `json:"selected_account_ids,omitempty"`
	Priority           int         `json:"priority,omitempty"`
}
