package domain

import (
	"time"
)

// Transaction represents a single financial movement to be scored.
// Transactions are immutable once ingested.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Originating account
	AccountID string `json:"accountId"`

	// Financial details
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`

	// Counterparty jurisdiction as an ISO 3166-1 alpha-2 code
	CounterpartyCountry string `json:"counterpartyCountry"`

	// Temporal (always evaluated in UTC)
	Timestamp time.Time `json:"timestamp"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate rejects transactions that must not enter the pipeline.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if t.AccountID == "" {
		return &ValidationError{Field: "accountId", Reason: "required"}
	}
	if t.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be non-negative"}
	}
	if len(t.Currency) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter code"}
	}
	if t.CounterpartyCountry == "" {
		return &ValidationError{Field: "counterpartyCountry", Reason: "required"}
	}
	if t.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	return nil
}

// KYCLevel is the ordered customer due-diligence level.
type KYCLevel string

const (
	KYCBasic    KYCLevel = "basic"
	KYCStandard KYCLevel = "standard"
	KYCEnhanced KYCLevel = "enhanced"
)

// GapScore maps the level to its inverse ordinal position in [0,1]:
// the weaker the due diligence, the larger the gap. Unknown levels
// score as the maximum gap.
func (k KYCLevel) GapScore() float64 {
	switch k {
	case KYCEnhanced:
		return 0.0
	case KYCStandard:
		return 0.5
	default:
		return 1.0
	}
}

// Customer is the reference record for an account owner.
type Customer struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	FullName    string    `json:"fullName,omitempty"`
	DateOfBirth string    `json:"dateOfBirth,omitempty"`
	KYCLevel    KYCLevel  `json:"kycLevel"`
	PEP         bool      `json:"pep"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AccountType classifies the product behind an account.
type AccountType string

const (
	AccountCurrent        AccountType = "current"
	AccountSavings        AccountType = "savings"
	AccountBusiness       AccountType = "business"
	AccountOffshore       AccountType = "offshore"
	AccountPrivateBanking AccountType = "private_banking"
	AccountCorporate      AccountType = "corporate"
	AccountChecking       AccountType = "checking"
	AccountTrust          AccountType = "trust"
)

// Account is the reference record for a monitored account.
type Account struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenantId"`
	CustomerID string      `json:"customerId"`
	Country    string      `json:"country"`
	Type       AccountType `json:"type"`
	OpenedAt   time.Time   `json:"openedAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// EnrichedTransaction is the inbound pipeline event: a transaction plus
// whatever reference data the enricher resolved. Nil snapshots are
// valid; scoring proceeds with degraded defaults.
type EnrichedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Customer    *Customer   `json:"customer,omitempty"`
	Account     *Account    `json:"account,omitempty"`
}

// CustomerID returns the owning customer, preferring the customer
// snapshot over the account link.
func (e *EnrichedTransaction) CustomerID() string {
	if e.Customer != nil {
		return e.Customer.ID
	}
	if e.Account != nil {
		return e.Account.CustomerID
	}
	return ""
}
