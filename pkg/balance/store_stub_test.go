package balance

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store for service tests. Transactions run
// directly against the backing maps; conflictsRemaining simulates commit
// conflicts and failingErr poisons every call.
type stubStore struct {
	balances           map[string]BalanceSnapshot
	entries            map[string][]Entry
	nextEntryID        int
	conflictsRemaining int
	failingErr         error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: make(map[string]BalanceSnapshot),
		entries:  make(map[string][]Entry),
	}
}

func newFailingStore(test *testing.T, err error) *stubStore {
	test.Helper()
	store := newStubStore(test)
	store.failingErr = err
	return store
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.failingErr != nil {
		return store.failingErr
	}
	if store.conflictsRemaining > 0 {
		store.conflictsRemaining--
		return ErrSerializationConflict
	}
	return fn(ctx, store)
}

func (store *stubStore) CreateBalance(_ context.Context, accountID AccountID, initialMinor AmountMinor, nowUnixUTC int64) error {
	if store.failingErr != nil {
		return store.failingErr
	}
	if _, exists := store.balances[accountID.String()]; exists {
		return ErrAccountAlreadySeeded
	}
	store.balances[accountID.String()] = BalanceSnapshot{
		AccountID:      accountID,
		BalanceMinor:   initialMinor,
		UpdatedUnixUTC: nowUnixUTC,
	}
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, accountID AccountID) (BalanceSnapshot, error) {
	if store.failingErr != nil {
		return BalanceSnapshot{}, store.failingErr
	}
	snapshot, exists := store.balances[accountID.String()]
	if !exists {
		return BalanceSnapshot{}, ErrAccountNotFound
	}
	return snapshot, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, accountID AccountID) (BalanceSnapshot, error) {
	return store.GetBalance(ctx, accountID)
}

func (store *stubStore) UpdateBalance(_ context.Context, accountID AccountID, balanceMinor AmountMinor, nowUnixUTC int64) error {
	if store.failingErr != nil {
		return store.failingErr
	}
	snapshot, exists := store.balances[accountID.String()]
	if !exists {
		return ErrAccountNotFound
	}
	snapshot.BalanceMinor = balanceMinor
	snapshot.UpdatedUnixUTC = nowUnixUTC
	store.balances[accountID.String()] = snapshot
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entryInput EntryInput) (Entry, error) {
	if store.failingErr != nil {
		return Entry{}, store.failingErr
	}
	store.nextEntryID++
	entry := Entry{
		EntryID:           fmt.Sprintf("entry-%d", store.nextEntryID),
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

func (store *stubStore) SumDeltas(_ context.Context, accountID AccountID) (AmountMinor, error) {
	if store.failingErr != nil {
		return 0, store.failingErr
	}
	var sum AmountMinor
	for _, entry := range store.entries[accountID.String()] {
		sum += entry.DeltaMinor
	}
	return sum, nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID AccountID, query EntryQuery) ([]Entry, error) {
	if store.failingErr != nil {
		return nil, store.failingErr
	}
	all := store.entries[accountID.String()]
	selected := make([]Entry, 0, len(all))
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

func (store *stubStore) ListAccountIDs(_ context.Context) ([]AccountID, error) {
	if store.failingErr != nil {
		return nil, store.failingErr
	}
	keys := make([]string, 0, len(store.balances))
	for key := range store.balances {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	accountIDs := make([]AccountID, 0, len(keys))
	for _, key := range keys {
		accountIDs = append(accountIDs, mustAccountIDValue(key))
	}
	return accountIDs, nil
}

// corrupt overwrites the stored balance without a ledger entry.
func (store *stubStore) corrupt(accountID AccountID, balanceMinor AmountMinor) {
	snapshot := store.balances[accountID.String()]
	snapshot.BalanceMinor = balanceMinor
	store.balances[accountID.String()] = snapshot
}

func mustAccountIDValue(raw string) AccountID {
	accountID, err := NewAccountID(raw)
	if err != nil {
		panic(err)
	}
	return accountID
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := newTestClock()
	service, err := NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

// newTestClock returns a strictly increasing unix clock so entry ordering
// is deterministic.
func newTestClock() func() int64 {
	var tick int64 = 1_700_000_000
	return func() int64 {
		tick++
		return tick
	}
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return accountID
}

func mustActorID(test *testing.T, raw string) *ActorID {
	test.Helper()
	actorID, err := NewActorID(raw)
	if err != nil {
		test.Fatalf("actor id %q: %v", raw, err)
	}
	return &actorID
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	reason, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason %q: %v", raw, err)
	}
	return reason
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}
