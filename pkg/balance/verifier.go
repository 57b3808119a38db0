package balance

import "context"

// Verify compares the stored balance with the ledger-derived sum for one
// account. Without autoFix it never mutates state. With autoFix a detected
// mismatch is corrected in one transaction: the stored balance is re-read
// under the row lock, the ledger sum re-derived, a reconciliation_fix entry
// appended, and the stored balance set to the ledger sum. The correction is
// itself auditable, never a silent overwrite.
func (service *Service) Verify(ctx context.Context, accountID AccountID, autoFix bool) (VerificationResult, error) {
	snapshot, err := service.store.GetBalance(ctx, accountID)
	if err != nil {
		return VerificationResult{}, err
	}
	ledgerMinor, err := service.store.SumDeltas(ctx, accountID)
	if err != nil {
		return VerificationResult{}, err
	}
	result := VerificationResult{
		AccountID:        accountID,
		Matches:          snapshot.BalanceMinor == ledgerMinor,
		StoredMinor:      snapshot.BalanceMinor,
		LedgerMinor:      ledgerMinor,
		DiscrepancyMinor: snapshot.BalanceMinor - ledgerMinor,
	}
	if result.Matches || !autoFix {
		service.logOperation(ctx, OperationLog{
			Operation: operationVerify,
			AccountID: accountID,
			Delta:     result.DiscrepancyMinor,
			Status:    verificationStatus(result),
		})
		return result, nil
	}

	operationError := service.runSerialized(ctx, operationVerify, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.GetBalanceForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		// Re-derive inside the transaction; a writer may have landed
		// between the read-only pass and the lock.
		currentLedger, err := transactionStore.SumDeltas(ctx, accountID)
		if err != nil {
			return err
		}
		result.StoredMinor = locked.BalanceMinor
		result.LedgerMinor = currentLedger
		result.DiscrepancyMinor = locked.BalanceMinor - currentLedger
		if result.DiscrepancyMinor == 0 {
			result.Matches = true
			return nil
		}
		reason, err := NewReason(ReasonReconciliationFix)
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON("")
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.InsertEntry(ctx, EntryInput{
			AccountID:         accountID,
			DeltaMinor:        currentLedger - locked.BalanceMinor,
			BalanceAfterMinor: currentLedger,
			Reason:            reason,
			MetadataJSON:      metadata,
			ActorID:           nil,
			CreatedUnixUTC:    nowUnixUTC,
		}); err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, accountID, currentLedger, nowUnixUTC); err != nil {
			return err
		}
		result.Fixed = true
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationVerify,
		AccountID: accountID,
		Delta:     result.DiscrepancyMinor,
		Status:    verificationStatus(result),
		Error:     operationError,
	})
	if operationError != nil {
		return VerificationResult{}, operationError
	}
	return result, nil
}

// VerifyAll runs Verify over every account with a balance row. Each account
// is checked (and fixed) independently; there is no global transaction, so a
// long ledger never holds locks across accounts.
func (service *Service) VerifyAll(ctx context.Context, autoFix bool) (BulkVerificationResult, error) {
	accountIDs, err := service.store.ListAccountIDs(ctx)
	if err != nil {
		return BulkVerificationResult{}, err
	}
	bulk := BulkVerificationResult{Details: make([]VerificationResult, 0, len(accountIDs))}
	for _, accountID := range accountIDs {
		result, err := service.Verify(ctx, accountID, autoFix)
		if err != nil {
			return BulkVerificationResult{}, WrapError(errorOperationService, operationVerifyAll, errorCodeAccountCheck, err)
		}
		bulk.TotalChecked++
		if !result.Matches {
			bulk.MismatchesFound++
		}
		if result.Fixed {
			bulk.Fixed++
		}
		bulk.Details = append(bulk.Details, result)
	}
	return bulk, nil
}

func verificationStatus(result VerificationResult) string {
	if result.Fixed {
		return verificationStatusFixed
	}
	if result.Matches {
		return operationStatusOK
	}
	return verificationStatusMismatch
}
