package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	errorOperationStore    = "store"
	errorSubjectBalance    = "balance"
	errorSubjectEntry      = "entry"
	errorSubjectAccount    = "account"
	errorSubjectTx         = "transaction"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
	errorCodeCreate        = "create"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeSumDeltas     = "sum_deltas"
	errorCodeUpdate        = "update"

	sqlCreateBalance = `
		insert into account_balances(account_id, balance_minor, updated_at)
		values($1, $2, to_timestamp($3))
		on conflict (account_id) do nothing
	`

	sqlSelectBalance = `
		select account_id, balance_minor, extract(epoch from updated_at)::bigint
		from account_balances
		where account_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + `
		for update
	`

	sqlUpdateBalance = `
		update account_balances
		set balance_minor = $2, updated_at = to_timestamp($3)
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into balance_ledger_entries(
			entry_id, account_id, delta_minor, balance_after_minor, reason, metadata, actor_id, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			coalesce(nullif($5,''),'{}')::jsonb,
			nullif($6,''),
			to_timestamp($7)
		)
		returning entry_id
	`

	sqlSumDeltas = `
		select coalesce(sum(delta_minor),0) from balance_ledger_entries
		where account_id = $1
	`

	sqlListEntriesDesc = `
		select
			entry_id::text,
			account_id,
			delta_minor,
			balance_after_minor,
			reason,
			coalesce(metadata::text,'{}'),
			coalesce(actor_id,''),
			extract(epoch from created_at)::bigint
		from balance_ledger_entries
		where account_id = $1
		and ($2 = 0 or created_at < to_timestamp($2))
		and ($3 = 0 or created_at > to_timestamp($3))
		order by created_at desc, entry_id desc
		limit $4
	`

	sqlListEntriesAsc = `
		select
			entry_id::text,
			account_id,
			delta_minor,
			balance_after_minor,
			reason,
			coalesce(metadata::text,'{}'),
			coalesce(actor_id,''),
			extract(epoch from created_at)::bigint
		from balance_ledger_entries
		where account_id = $1
		and ($2 = 0 or created_at < to_timestamp($2))
		and ($3 = 0 or created_at > to_timestamp($3))
		order by created_at asc, entry_id asc
		limit $4
	`

	sqlListAccountIDs = `
		select account_id from account_balances order by account_id asc
	`
)

// querier is satisfied by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements balance.Store using a pgx connection pool; transactional
// calls run on the pgx.Tx handed out by WithTx.
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithTx executes fn within one database transaction. Serialization failures
// and deadlocks surface as balance.ErrSerializationConflict.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore balance.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; run in the same scope.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		if isSerializationConflict(err) {
			return balance.ErrSerializationConflict
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationConflict(err) {
			return balance.ErrSerializationConflict
		}
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateBalance(ctx context.Context, accountID balance.AccountID, initialMinor balance.AmountMinor, nowUnixUTC int64) error {
	tag, err := store.conn.Exec(ctx, sqlCreateBalance, accountID.String(), initialMinor.Int64(), nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, balance.ErrAccountAlreadySeeded)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	return store.getBalance(ctx, accountID, sqlSelectBalance)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	return store.getBalance(ctx, accountID, sqlSelectBalanceForUpdate)
}

func (store *Store) getBalance(ctx context.Context, accountID balance.AccountID, query string) (balance.BalanceSnapshot, error) {
	var (
		accountValue string
		balanceMinor int64
		updatedUnix  int64
	)
	err := store.conn.QueryRow(ctx, query, accountID.String()).Scan(&accountValue, &balanceMinor, &updatedUnix)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, balance.ErrAccountNotFound)
		}
		return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	parsedAccountID, err := balance.NewAccountID(accountValue)
	if err != nil {
		return balance.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance.BalanceSnapshot{
		AccountID:      parsedAccountID,
		BalanceMinor:   balance.AmountMinor(balanceMinor),
		UpdatedUnixUTC: updatedUnix,
	}, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID balance.AccountID, balanceMinor balance.AmountMinor, nowUnixUTC int64) error {
	tag, err := store.conn.Exec(ctx, sqlUpdateBalance, accountID.String(), balanceMinor.Int64(), nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, balance.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput balance.EntryInput) (balance.Entry, error) {
	actorID := ""
	if entryInput.ActorID != nil {
		actorID = entryInput.ActorID.String()
	}
	var entryID string
	err := store.conn.QueryRow(ctx, sqlInsertEntry,
		entryInput.AccountID.String(),
		entryInput.DeltaMinor.Int64(),
		entryInput.BalanceAfterMinor.Int64(),
		entryInput.Reason.String(),
		entryInput.MetadataJSON.String(),
		actorID,
		entryInput.CreatedUnixUTC,
	).Scan(&entryID)
	if err != nil {
		return balance.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return balance.Entry{
		EntryID:           entryID,
		AccountID:         entryInput.AccountID,
		DeltaMinor:        entryInput.DeltaMinor,
		BalanceAfterMinor: entryInput.BalanceAfterMinor,
		Reason:            entryInput.Reason,
		MetadataJSON:      entryInput.MetadataJSON,
		ActorID:           entryInput.ActorID,
		CreatedUnixUTC:    entryInput.CreatedUnixUTC,
	}, nil
}

func (store *Store) SumDeltas(ctx context.Context, accountID balance.AccountID) (balance.AmountMinor, error) {
	var sum int64
	if err := store.conn.QueryRow(ctx, sqlSumDeltas, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSumDeltas, err)
	}
	return balance.AmountMinor(sum), nil
}

func (store *Store) ListEntries(ctx context.Context, accountID balance.AccountID, query balance.EntryQuery) ([]balance.Entry, error) {
	sqlQuery := sqlListEntriesDesc
	if query.Ascending {
		sqlQuery = sqlListEntriesAsc
	}
	rows, err := store.conn.Query(ctx, sqlQuery, accountID.String(), query.BeforeUnixUTC, query.AfterUnixUTC, query.Limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (store *Store) ListAccountIDs(ctx context.Context) ([]balance.AccountID, error) {
	rows, err := store.conn.Query(ctx, sqlListAccountIDs)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	var accountIDs []balance.AccountID
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
		}
		accountID, err := balance.NewAccountID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accountIDs, nil
}

func scanEntries(rows pgx.Rows) ([]balance.Entry, error) {
	var entries []balance.Entry
	for rows.Next() {
		var (
			entryID      string
			accountValue string
			deltaMinor   int64
			afterMinor   int64
			reasonValue  string
			metadataRaw  string
			actorValue   string
			createdUnix  int64
		)
		if err := rows.Scan(&entryID, &accountValue, &deltaMinor, &afterMinor, &reasonValue, &metadataRaw, &actorValue, &createdUnix); err != nil {
			return nil, err
		}
		accountID, err := balance.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		reason, err := balance.NewReason(reasonValue)
		if err != nil {
			return nil, err
		}
		metadata, err := balance.NewMetadataJSON(metadataRaw)
		if err != nil {
			return nil, err
		}
		var actorID *balance.ActorID
		if actorValue != "" {
			parsed, err := balance.NewActorID(actorValue)
			if err != nil {
				return nil, err
			}
			actorID = &parsed
		}
		entries = append(entries, balance.Entry{
			EntryID:           entryID,
			AccountID:         accountID,
			DeltaMinor:        balance.AmountMinor(deltaMinor),
			BalanceAfterMinor: balance.AmountMinor(afterMinor),
			Reason:            reason,
			MetadataJSON:      metadata,
			ActorID:           actorID,
			CreatedUnixUTC:    createdUnix,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return balance.WrapError(errorOperationStore, subject, code, err)
}

func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
