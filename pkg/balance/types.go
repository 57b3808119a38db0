package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountMinor is a signed integer amount in minor currency units (cents).
type AmountMinor int64

// Int64 returns the raw minor-unit value.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// AccountID identifies the account that owns a balance.
type AccountID struct {
	value string
}

// ActorID identifies who or what caused a balance change.
type ActorID struct {
	value string
}

// Reason is a short free-text classification of a ledger entry.
type Reason struct {
	value string
}

// MetadataJSON stores arbitrary caller metadata, opaque to the engine.
type MetadataJSON struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewActorID validates and normalizes an actor id.
func NewActorID(raw string) (ActorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorID{}, fmt.Errorf("%w: empty value", ErrInvalidActorID)
	}
	return ActorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ActorID) String() string {
	return id.value
}

// NewReason validates and normalizes a ledger entry reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if len(trimmed) > maxReasonLength {
		return Reason{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidReason, maxReasonLength)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if len(normalized) > maxMetadataBytes {
		return MetadataJSON{}, fmt.Errorf("%w: larger than %d bytes", ErrInvalidMetadataJSON, maxMetadataBytes)
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// BalanceSnapshot is the stored balance for an account at read time.
type BalanceSnapshot struct {
	AccountID      AccountID
	BalanceMinor   AmountMinor
	UpdatedUnixUTC int64
}

// A single immutable line in the balance ledger.
type Entry struct {
	EntryID           string
	AccountID         AccountID
	DeltaMinor        AmountMinor
	BalanceAfterMinor AmountMinor
	Reason            Reason
	MetadataJSON      MetadataJSON
	ActorID           *ActorID
	CreatedUnixUTC    int64
}

// EntryInput carries a ledger entry to be persisted.
type EntryInput struct {
	AccountID         AccountID
	DeltaMinor        AmountMinor
	BalanceAfterMinor AmountMinor
	Reason            Reason
	MetadataJSON      MetadataJSON
	ActorID           *ActorID
	CreatedUnixUTC    int64
}

// EntryQuery selects a page of ledger entries.
// Zero cursor values mean unbounded; entries are returned newest first
// unless Ascending is set.
type EntryQuery struct {
	BeforeUnixUTC int64
	AfterUnixUTC  int64
	Limit         int
	Ascending     bool
}

// Normalize applies limit defaults and bounds.
func (query EntryQuery) Normalize() (EntryQuery, error) {
	if query.Limit < 0 {
		return EntryQuery{}, fmt.Errorf("%w: negative limit", ErrInvalidEntryQuery)
	}
	if query.Limit == 0 {
		query.Limit = defaultEntryLimit
	}
	if query.Limit > maxEntryLimit {
		return EntryQuery{}, fmt.Errorf("%w: limit exceeds maximum %d", ErrInvalidEntryQuery, maxEntryLimit)
	}
	if query.BeforeUnixUTC < 0 || query.AfterUnixUTC < 0 {
		return EntryQuery{}, fmt.Errorf("%w: negative cursor", ErrInvalidEntryQuery)
	}
	return query, nil
}

// VerificationResult reports stored balance versus ledger-derived balance.
type VerificationResult struct {
	AccountID        AccountID
	Matches          bool
	StoredMinor      AmountMinor
	LedgerMinor      AmountMinor
	DiscrepancyMinor AmountMinor
	Fixed            bool
}

// BulkVerificationResult aggregates per-account verification outcomes.
type BulkVerificationResult struct {
	TotalChecked    int
	MismatchesFound int
	Fixed           int
	Details         []VerificationResult
}

// Store is the persistence contract used by Service.
//
// CreateBalance reports ErrAccountAlreadySeeded when a balance row exists.
// GetBalance and GetBalanceForUpdate report ErrAccountNotFound for unseeded
// accounts; GetBalanceForUpdate must lock the row and is only meaningful
// inside WithTx. Stores translate detected write conflicts into
// ErrSerializationConflict so the service can retry.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateBalance(ctx context.Context, accountID AccountID, initialMinor AmountMinor, nowUnixUTC int64) error
	GetBalance(ctx context.Context, accountID AccountID) (BalanceSnapshot, error)
	GetBalanceForUpdate(ctx context.Context, accountID AccountID) (BalanceSnapshot, error)
	UpdateBalance(ctx context.Context, accountID AccountID, balanceMinor AmountMinor, nowUnixUTC int64) error
	InsertEntry(ctx context.Context, entry EntryInput) (Entry, error)
	SumDeltas(ctx context.Context, accountID AccountID) (AmountMinor, error)
	ListEntries(ctx context.Context, accountID AccountID, query EntryQuery) ([]Entry, error)
	ListAccountIDs(ctx context.Context) ([]AccountID, error)
}
