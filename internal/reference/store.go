// Package reference maintains the customer and account records used
// to enrich transactions.
package reference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Store holds reference data in memory with the repository behind it.
// Pipeline lanes read it concurrently during enrichment; writes arrive
// only through the reference-update path (bus subscription and REST
// upserts).
type Store struct {
	mu        sync.RWMutex
	customers map[string]*domain.Customer
	accounts  map[string]*domain.Account
	repo      domain.Repository
}

// NewStore creates a reference store backed by repo. A nil repo keeps
// the store memory-only.
func NewStore(repo domain.Repository) *Store {
	return &Store{
		customers: make(map[string]*domain.Customer),
		accounts:  make(map[string]*domain.Account),
		repo:      repo,
	}
}

// UpsertCustomer stores a customer and writes it through to the
// repository.
func (s *Store) UpsertCustomer(ctx context.Context, customer *domain.Customer) error {
	if customer == nil || customer.ID == "" {
		return &domain.ValidationError{Field: "customer.id", Reason: "is required"}
	}
	if customer.UpdatedAt.IsZero() {
		customer.UpdatedAt = time.Now().UTC()
	}

	if s.repo != nil {
		if err := s.repo.SaveCustomer(ctx, customer.TenantID, customer); err != nil {
			return fmt.Errorf("failed to save customer: %w", err)
		}
	}

	s.mu.Lock()
	s.customers[makeKey(customer.TenantID, customer.ID)] = customer
	s.mu.Unlock()
	return nil
}

// UpsertAccount stores an account and writes it through to the
// repository.
func (s *Store) UpsertAccount(ctx context.Context, account *domain.Account) error {
	if account == nil || account.ID == "" {
		return &domain.ValidationError{Field: "account.id", Reason: "is required"}
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = time.Now().UTC()
	}

	if s.repo != nil {
		if err := s.repo.SaveAccount(ctx, account.TenantID, account); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
	}

	s.mu.Lock()
	s.accounts[makeKey(account.TenantID, account.ID)] = account
	s.mu.Unlock()
	return nil
}

// GetCustomer returns the customer, reading through to the repository
// on a memory miss.
func (s *Store) GetCustomer(ctx context.Context, tenantID, customerID string) (*domain.Customer, error) {
	key := makeKey(tenantID, customerID)

	s.mu.RLock()
	customer, ok := s.customers[key]
	s.mu.RUnlock()
	if ok {
		return customer, nil
	}

	if s.repo != nil {
		customer, err := s.repo.GetCustomer(ctx, tenantID, customerID)
		if err == nil {
			s.mu.Lock()
			s.customers[key] = customer
			s.mu.Unlock()
			return customer, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load customer: %w", err)
		}
	}

	return nil, &domain.ReferenceMissingError{Kind: "customer", ID: customerID}
}

// GetAccount returns the account, reading through to the repository on
// a memory miss.
func (s *Store) GetAccount(ctx context.Context, tenantID, accountID string) (*domain.Account, error) {
	key := makeKey(tenantID, accountID)

	s.mu.RLock()
	account, ok := s.accounts[key]
	s.mu.RUnlock()
	if ok {
		return account, nil
	}

	if s.repo != nil {
		account, err := s.repo.GetAccount(ctx, tenantID, accountID)
		if err == nil {
			s.mu.Lock()
			s.accounts[key] = account
			s.mu.Unlock()
			return account, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
	}

	return nil, &domain.ReferenceMissingError{Kind: "account", ID: accountID}
}

// Counts returns the number of resident customers and accounts.
func (s *Store) Counts() (customers, accounts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.customers), len(s.accounts)
}

func makeKey(tenantID, id string) string {
	return tenantID + ":" + id
}
