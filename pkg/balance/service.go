package balance

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() int64
	logger        OperationLogger
	allowNegative bool
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAllowNegativeBalances permits adjustments and overrides that leave an
// account below zero. The default rejects them with ErrInsufficientFunds.
func WithAllowNegativeBalances() ServiceOption {
	return func(service *Service) {
		service.allowNegative = true
	}
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the stored balance for an account. Read-only.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (BalanceSnapshot, error) {
	snapshot, err := service.store.GetBalance(ctx, accountID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	return snapshot, nil
}

// Seed creates the balance row for a new account. When initialMinor is not
// zero it also appends the initial_seed ledger entry and returns it; a zero
// seed returns a nil entry. A second call for the same account fails with
// ErrAccountAlreadySeeded and changes nothing.
func (service *Service) Seed(ctx context.Context, accountID AccountID, initialMinor AmountMinor) (*Entry, error) {
	var created *Entry
	operationError := service.runSerialized(ctx, operationSeed, func(ctx context.Context, transactionStore Store) error {
		created = nil
		nowUnixUTC := service.nowFn()
		if err := transactionStore.CreateBalance(ctx, accountID, initialMinor, nowUnixUTC); err != nil {
			return err
		}
		if initialMinor == 0 {
			return nil
		}
		reason, err := NewReason(ReasonInitialSeed)
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		entry, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:         accountID,
			DeltaMinor:        initialMinor,
			BalanceAfterMinor: initialMinor,
			Reason:            reason,
			MetadataJSON:      metadata,
			ActorID:           nil,
			CreatedUnixUTC:    nowUnixUTC,
		})
		if err != nil {
			return err
		}
		created = &entry
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSeed,
		AccountID: accountID,
		Delta:     initialMinor,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return created, nil
}

// Adjust applies a relative change to the account balance and appends the
// matching ledger entry in one transaction. A zero delta is accepted and
// still produces an auditable entry.
func (service *Service) Adjust(ctx context.Context, accountID AccountID, deltaMinor AmountMinor, reason Reason, metadata MetadataJSON, actorID *ActorID) (Entry, error) {
	var created Entry
	operationError := service.runSerialized(ctx, operationAdjust, func(ctx context.Context, transactionStore Store) error {
		snapshot, err := transactionStore.GetBalanceForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		newBalance := snapshot.BalanceMinor + deltaMinor
		if !service.allowNegative && newBalance < 0 {
			return ErrInsufficientFunds
		}
		created, err = service.writeChange(ctx, transactionStore, accountID, deltaMinor, newBalance, reason, metadata, actorID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		AccountID: accountID,
		Delta:     deltaMinor,
		Reason:    reason,
		ActorID:   actorID,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return created, nil
}

// SetBalance overrides the account balance to an absolute target. The ledger
// entry records the delta actually applied, not the target. The negative
// check applies to the target itself.
func (service *Service) SetBalance(ctx context.Context, accountID AccountID, targetMinor AmountMinor, reason Reason, metadata MetadataJSON, actorID *ActorID) (Entry, error) {
	var created Entry
	operationError := service.runSerialized(ctx, operationSetBalance, func(ctx context.Context, transactionStore Store) error {
		if !service.allowNegative && targetMinor < 0 {
			return ErrInsufficientFunds
		}
		snapshot, err := transactionStore.GetBalanceForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		deltaMinor := targetMinor - snapshot.BalanceMinor
		created, err = service.writeChange(ctx, transactionStore, accountID, deltaMinor, targetMinor, reason, metadata, actorID)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetBalance,
		AccountID: accountID,
		Delta:     targetMinor,
		Reason:    reason,
		ActorID:   actorID,
		Error:     operationError,
	})
	if operationError != nil {
		return Entry{}, operationError
	}
	return created, nil
}

// ListEntries lists ledger entries for an account, newest first by default.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, query EntryQuery) ([]Entry, error) {
	normalized, err := query.Normalize()
	if err != nil {
		return nil, err
	}
	if _, err := service.store.GetBalance(ctx, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, normalized)
}

// writeChange appends a ledger entry and moves the stored balance to
// balanceAfter. Callers hold the row lock via GetBalanceForUpdate.
func (service *Service) writeChange(ctx context.Context, transactionStore Store, accountID AccountID, deltaMinor AmountMinor, balanceAfter AmountMinor, reason Reason, metadata MetadataJSON, actorID *ActorID) (Entry, error) {
	nowUnixUTC := service.nowFn()
	entry, err := transactionStore.InsertEntry(ctx, EntryInput{
		AccountID:         accountID,
		DeltaMinor:        deltaMinor,
		BalanceAfterMinor: balanceAfter,
		Reason:            reason,
		MetadataJSON:      metadata,
		ActorID:           actorID,
		CreatedUnixUTC:    nowUnixUTC,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := transactionStore.UpdateBalance(ctx, accountID, balanceAfter, nowUnixUTC); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// runSerialized executes fn inside one store transaction, retrying once when
// the store reports a serialization conflict. A conflict on the retry is
// surfaced as ErrPersistence.
func (service *Service) runSerialized(ctx context.Context, operation string, fn func(ctx context.Context, txStore Store) error) error {
	var lastErr error
	for attempt := 0; attempt <= transactionRetries; attempt++ {
		lastErr = service.store.WithTx(ctx, fn)
		if !errors.Is(lastErr, ErrSerializationConflict) {
			return lastErr
		}
	}
	return WrapError(errorOperationService, operation, errorCodeRetryExhausted, fmt.Errorf("%w: %v", ErrPersistence, lastErr))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
