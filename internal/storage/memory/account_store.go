package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lanternworks/harvester/internal/harvest"
)

// AccountStore is a mutex-guarded in-memory account store.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[string]harvest.Account
}

// NewAccountStore constructs an AccountStore, optionally seeded.
func NewAccountStore(seed ...harvest.Account) *AccountStore {
	s := &AccountStore{accounts: make(map[string]harvest.Account)}
	for _, acct := range seed {
		s.accounts[acct.ID] = acct
	}
	return s
}

// ListAccounts returns every stored account, ordered by ID for determinism.
func (s *AccountStore) ListAccounts(_ context.Context) ([]harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAccount fetches one account by ID.
func (s *AccountStore) GetAccount(_ context.Context, accountID string) (harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return harvest.Account{}, errors.New("account not found")
	}
	return acct, nil
}

// UpdateAccount replaces the stored account row, inserting if absent.
func (s *AccountStore) UpdateAccount(_ context.Context, account harvest.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
	return nil
}
