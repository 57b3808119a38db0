package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON    = "{}"
	pgUniqueViolationCode  = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	sqliteConstraintCode   = 19
	sqliteBusyCode         = 5
	sqliteLockedCode       = 6
	errorOperationStore    = "store"
	errorSubjectBalance    = "balance"
	errorSubjectEntry      = "entry"
	errorSubjectAccount    = "account"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeSumDeltas     = "sum_deltas"
	errorCodeUpdate        = "update"
)

// Store implements balance.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Intended for sqlite deployments and tests;
// Postgres schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&AccountBalance{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction. Detected write conflicts are
// surfaced as balance.ErrSerializationConflict so the service can retry.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore balance.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationConflict(err) {
		return balance.ErrSerializationConflict
	}
	return err
}

func (store *Store) CreateBalance(ctx context.Context, accountID balance.AccountID, initialMinor balance.AmountMinor, nowUnixUTC int64) error {
	row := AccountBalance{
		AccountID:    accountID.String(),
		BalanceMinor: initialMinor.Int64(),
		UpdatedAt:    time.Unix(nowUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, balance.ErrAccountAlreadySeeded)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	return store.getBalance(ctx, accountID, false)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	return store.getBalance(ctx, accountID, true)
}

func (store *Store) getBalance(ctx context.Context, accountID balance.AccountID, forUpdate bool) (balance.BalanceSnapshot, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row AccountBalance
	err := query.Where("account_id = ?", accountID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, balance.ErrAccountNotFound)
		}
		return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalanceRow(row)
}

func (store *Store) UpdateBalance(ctx context.Context, accountID balance.AccountID, balanceMinor balance.AmountMinor, nowUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"balance_minor": balanceMinor.Int64(),
			"updated_at":    time.Unix(nowUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, balance.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput balance.EntryInput) (balance.Entry, error) {
	var actorID *string
	if entryInput.ActorID != nil {
		value := entryInput.ActorID.String()
		actorID = &value
	}
	row := LedgerEntry{
		AccountID:         entryInput.AccountID.String(),
		DeltaMinor:        entryInput.DeltaMinor.Int64(),
		BalanceAfterMinor: entryInput.BalanceAfterMinor.Int64(),
		Reason:            entryInput.Reason.String(),
		Metadata:          datatypesJSON(entryInput.MetadataJSON.String()),
		ActorID:           actorID,
		CreatedAt:         time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return balance.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return balance.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) SumDeltas(ctx context.Context, accountID balance.AccountID) (balance.AmountMinor, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta_minor),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSumDeltas, err)
	}
	return balance.AmountMinor(sum.Total), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID balance.AccountID, query balance.EntryQuery) ([]balance.Entry, error) {
	scope := store.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if query.BeforeUnixUTC != 0 {
		scope = scope.Where("created_at < ?", time.Unix(query.BeforeUnixUTC, 0).UTC())
	}
	if query.AfterUnixUTC != 0 {
		scope = scope.Where("created_at > ?", time.Unix(query.AfterUnixUTC, 0).UTC())
	}
	order := "created_at DESC, entry_id DESC"
	if query.Ascending {
		order = "created_at ASC, entry_id ASC"
	}
	var rows []LedgerEntry
	if err := scope.Order(order).Limit(query.Limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]balance.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]balance.AccountID, error) {
	var raw []string
	err := store.db.WithContext(ctx).
		Model(&AccountBalance{}).
		Order("account_id ASC").
		Pluck("account_id", &raw).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]balance.AccountID, 0, len(raw))
	for _, value := range raw {
		accountID, err := balance.NewAccountID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return balance.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapBalanceRow(row AccountBalance) (balance.BalanceSnapshot, error) {
	accountID, err := balance.NewAccountID(row.AccountID)
	if err != nil {
		return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance.BalanceSnapshot{
		AccountID:      accountID,
		BalanceMinor:   balance.AmountMinor(row.BalanceMinor),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (balance.Entry, error) {
	accountID, err := balance.NewAccountID(row.AccountID)
	if err != nil {
		return balance.Entry{}, err
	}
	reason, err := balance.NewReason(row.Reason)
	if err != nil {
		return balance.Entry{}, err
	}
	metadata, err := balance.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return balance.Entry{}, err
	}
	var actorID *balance.ActorID
	if row.ActorID != nil {
		parsed, err := balance.NewActorID(*row.ActorID)
		if err != nil {
			return balance.Entry{}, err
		}
		actorID = &parsed
	}
	return balance.Entry{
		EntryID:           row.EntryID,
		AccountID:         accountID,
		DeltaMinor:        balance.AmountMinor(row.DeltaMinor),
		BalanceAfterMinor: balance.AmountMinor(row.BalanceAfterMinor),
		Reason:            reason,
		MetadataJSON:      metadata,
		ActorID:           actorID,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, balance.ErrSerializationConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
