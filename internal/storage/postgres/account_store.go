package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lanternworks/harvester/internal/harvest"
)

// AccountStore persists account rows in Postgres. Cookie material is stored
// as an opaque JSON column; encryption at rest belongs to the outer layer.
type AccountStore struct {
	db DB
}

// NewAccountStore constructs an AccountStore from an existing pool.
func NewAccountStore(db DB) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &AccountStore{db: db}, nil
}

const selectAccountSQL = `
SELECT id, COALESCE(label, ''), cookies, COALESCE(proxy_url, ''),
	daily_request_count, daily_request_limit, consecutive_failures,
	cooldown_until, validation_status, last_used_at,
	COALESCE(last_used_day, ''), COALESCE(last_error_text, '')
FROM accounts`

// ListAccounts returns all stored accounts.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]harvest.Account, error) {
	rows, err := s.db.Query(ctx, selectAccountSQL+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []harvest.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

// GetAccount fetches one account by ID.
func (s *AccountStore) GetAccount(ctx context.Context, accountID string) (harvest.Account, error) {
	row := s.db.QueryRow(ctx, selectAccountSQL+" WHERE id = $1", accountID)
	acct, err := scanAccount(row)
	if err != nil {
		return harvest.Account{}, fmt.Errorf("get account %s: %w", accountID, err)
	}
	return acct, nil
}

const updateAccountSQL = `
UPDATE accounts SET
	daily_request_count = $2, consecutive_failures = $3,
	cooldown_until = $4, validation_status = $5,
	last_used_at = $6, last_used_day = $7, last_error_text = $8
WHERE id = $1`

// UpdateAccount persists counters and health fields for an account.
func (s *AccountStore) UpdateAccount(ctx context.Context, account harvest.Account) error {
	tag, err := s.db.Exec(ctx, updateAccountSQL,
		account.ID, account.DailyRequestCount, account.ConsecutiveFailures,
		account.CooldownUntil, string(account.ValidationStatus),
		account.LastUsedAt, nullable(account.LastUsedDay), nullable(account.LastErrorText),
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s not found", account.ID)
	}
	return nil
}

func scanAccount(row pgx.Row) (harvest.Account, error) {
	var (
		acct    harvest.Account
		cookies []byte
		status  string
	)
	err := row.Scan(
		&acct.ID, &acct.Label, &cookies, &acct.ProxyURL,
		&acct.DailyRequestCount, &acct.DailyRequestLimit, &acct.ConsecutiveFailures,
		&acct.CooldownUntil, &status, &acct.LastUsedAt,
		&acct.LastUsedDay, &acct.LastErrorText,
	)
	if err != nil {
		return harvest.Account{}, err
	}
	acct.ValidationStatus = harvest.ValidationStatus(status)
	if len(cookies) > 0 {
		if err := json.Unmarshal(cookies, &acct.Cookies); err != nil {
			return harvest.Account{}, fmt.Errorf("unmarshal cookies: %w", err)
		}
	}
	return acct, nil
}
