package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/balance/pkg/balance"
	"github.com/google/uuid"
)

// Store implements balance.Store in memory. A single mutex serializes write
// transactions, which gives the same per-account exclusivity the SQL stores
// get from row locks. Useful for tests and throwaway deployments.
type Store struct {
	mu       sync.Mutex
	balances map[string]balance.BalanceSnapshot
	entries  map[string][]balance.Entry
	inTx     bool
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		balances: make(map[string]balance.BalanceSnapshot),
		entries:  make(map[string][]balance.Entry),
	}
}

// WithTx serializes fn against all other transactions. The snapshot maps are
// copied up front so a failed fn leaves no partial effect.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore balance.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	shadow := &Store{
		balances: copyBalances(store.balances),
		entries:  copyEntries(store.entries),
		inTx:     true,
	}
	if err := fn(ctx, shadow); err != nil {
		return err
	}
	store.balances = shadow.balances
	store.entries = shadow.entries
	return nil
}

func (store *Store) CreateBalance(_ context.Context, accountID balance.AccountID, initialMinor balance.AmountMinor, nowUnixUTC int64) error {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	if _, exists := store.balances[accountID.String()]; exists {
		return balance.ErrAccountAlreadySeeded
	}
	store.balances[accountID.String()] = balance.BalanceSnapshot{
		AccountID:      accountID,
		BalanceMinor:   initialMinor,
		UpdatedUnixUTC: nowUnixUTC,
	}
	return nil
}

func (store *Store) GetBalance(_ context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	snapshot, exists := store.balances[accountID.String()]
	if !exists {
		return balance.BalanceSnapshot{}, balance.ErrAccountNotFound
	}
	return snapshot, nil
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, accountID balance.AccountID) (balance.BalanceSnapshot, error) {
	return store.GetBalance(ctx, accountID)
}

func (store *Store) UpdateBalance(_ context.Context, accountID balance.AccountID, balanceMinor balance.AmountMinor, nowUnixUTC int64) error {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	snapshot, exists := store.balances[accountID.String()]
	if !exists {
		return balance.ErrAccountNotFound
	}
	snapshot.BalanceMinor = balanceMinor
	snapshot.UpdatedUnixUTC = nowUnixUTC
	store.balances[accountID.String()] = snapshot
	return nil
}

func (store *Store) InsertEntry(_ context.Context, entryInput balance.EntryInput) (balance.Entry, error) {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	entry := balance.Entry{
		EntryID:           uuid.NewString(),
		AccountID:         entryInput.AccountID,
		DeltaMinor:        entryInput.DeltaMinor,
		BalanceAfterMinor: entryInput.BalanceAfterMinor,
		Reason:            entryInput.Reason,
		MetadataJSON:      entryInput.MetadataJSON,
		ActorID:           entryInput.ActorID,
		CreatedUnixUTC:    entryInput.CreatedUnixUTC,
	}
	key := entryInput.AccountID.String()
	store.entries[key] = append(store.entries[key], entry)
	return entry, nil
}

func (store *Store) SumDeltas(_ context.Context, accountID balance.AccountID) (balance.AmountMinor, error) {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	var sum balance.AmountMinor
	for _, entry := range store.entries[accountID.String()] {
		sum += entry.DeltaMinor
	}
	return sum, nil
}

func (store *Store) ListEntries(_ context.Context, accountID balance.AccountID, query balance.EntryQuery) ([]balance.Entry, error) {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	all := store.entries[accountID.String()]
	selected := make([]balance.Entry, 0, len(all))
	for _, entry := range all {
		if query.BeforeUnixUTC != 0 && entry.CreatedUnixUTC >= query.BeforeUnixUTC {
			continue
		}
		if query.AfterUnixUTC != 0 && entry.CreatedUnixUTC <= query.AfterUnixUTC {
			continue
		}
		selected = append(selected, entry)
	}
	sort.SliceStable(selected, func(left, right int) bool {
		if query.Ascending {
			return selected[left].CreatedUnixUTC < selected[right].CreatedUnixUTC
		}
		return selected[left].CreatedUnixUTC > selected[right].CreatedUnixUTC
	})
	if query.Limit > 0 && len(selected) > query.Limit {
		selected = selected[:query.Limit]
	}
	return selected, nil
}

func (store *Store) ListAccountIDs(_ context.Context) ([]balance.AccountID, error) {
	store.lockOutsideTx()
	defer store.unlockOutsideTx()
	keys := make([]string, 0, len(store.balances))
	for key := range store.balances {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	accountIDs := make([]balance.AccountID, 0, len(keys))
	for _, key := range keys {
		accountID, err := balance.NewAccountID(key)
		if err != nil {
			return nil, err
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

func (store *Store) lockOutsideTx() {
	if !store.inTx {
		store.mu.Lock()
	}
}

func (store *Store) unlockOutsideTx() {
	if !store.inTx {
		store.mu.Unlock()
	}
}

func copyBalances(source map[string]balance.BalanceSnapshot) map[string]balance.BalanceSnapshot {
	target := make(map[string]balance.BalanceSnapshot, len(source))
	for key, value := range source {
		target[key] = value
	}
	return target
}

func copyEntries(source map[string][]balance.Entry) map[string][]balance.Entry {
	target := make(map[string][]balance.Entry, len(source))
	for key, value := range source {
		entries := make([]balance.Entry, len(value))
		copy(entries, value)
		target[key] = entries
	}
	return target
}
