package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lilypad-labs/pondex/pkg/models"
)

func setupLedgerStore(t *testing.T) (*testStore, *LedgerStore) {
	t.Helper()
	ts := setupTestStore(t)
	ls := NewLedgerStore(ts.store)
	require.NoError(t, ls.Migrate())
	return ts, ls
}

func TestGenerateReferralCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := generateReferralCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, c := range code {
			require.Contains(t, codeAlphabet, string(c))
		}
		seen[code] = true
	}
	// 100 draws from a 31^8 space colliding would mean a broken generator
	require.Len(t, seen, 100)
}

func TestAwardPointsUnknownCategory(t *testing.T) {
	err := AwardPoints(nil, Award{Category: "bogus"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown point category")
}

// --- Integration Tests (require Docker) ---

func TestAwardPointsAdditive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()
	addr := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	award := func(category string, points int64, source string) {
		err := ls.Transaction(ctx, func(tx *gorm.DB) error {
			return AwardPoints(tx, Award{
				Address:      addr,
				Category:     category,
				Points:       points,
				SourceTxHash: source,
				PondID:       "0xpond",
				Timestamp:    1700000000,
			})
		})
		require.NoError(t, err)
	}

	award(models.PointCategoryToss, 5, "0x1")
	award(models.PointCategoryToss, 3, "0x2")
	award(models.PointCategoryWinner, 100, "0x3")

	ledger, err := ls.GetLedger(ctx, addr)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	require.Equal(t, int64(8), ledger.TossPoints)
	require.Equal(t, int64(100), ledger.WinnerPoints)
	require.Equal(t, int64(0), ledger.ReferralPoints)
	require.Equal(t, ledger.TossPoints+ledger.WinnerPoints+ledger.ReferralPoints, ledger.TotalPoints)

	// Every award leaves an audit row
	history, err := ls.PointHistory(ctx, addr, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestGetLedgerUnknownAddress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ledger, err := ls.GetLedger(context.Background(), "0xnobody")
	require.NoError(t, err)
	require.Nil(t, ledger)
}

func TestTopByPoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()

	for i, points := range []int64{10, 50, 30} {
		addr := fmt.Sprintf("0x%040d", i)
		err := ls.Transaction(ctx, func(tx *gorm.DB) error {
			return AwardPoints(tx, Award{
				Address:      addr,
				Category:     models.PointCategoryToss,
				Points:       points,
				SourceTxHash: fmt.Sprintf("0xtx%d", i),
				PondID:       "0xpond",
				Timestamp:    1700000000,
			})
		})
		require.NoError(t, err)
	}

	top, err := ls.TopByPoints(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, int64(50), top[0].TotalPoints)
	require.Equal(t, int64(30), top[1].TotalPoints)
}

func TestGetOrCreateReferral(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()
	addr := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	record, err := ls.GetOrCreateReferral(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, addr, record.Address)
	require.Len(t, record.ReferralCode, codeLength)
	require.Nil(t, record.ReferrerAddress)
	require.False(t, record.IsActivated)

	// Second call returns the same record
	again, err := ls.GetOrCreateReferral(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, record.ID, again.ID)
	require.Equal(t, record.ReferralCode, again.ReferralCode)
}

func TestReferralByCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()

	record, err := ls.GetOrCreateReferral(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)

	found, err := ls.ReferralByCode(ctx, record.ReferralCode)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, record.Address, found.Address)

	missing, err := ls.ReferralByCode(ctx, "NOPE1234")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestApplyReferralCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()
	referrer := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	referee := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	other := "0xcccccccccccccccccccccccccccccccccccccccc"

	referrerRecord, err := ls.GetOrCreateReferral(ctx, referrer)
	require.NoError(t, err)

	// Unknown code is rejected
	err = ls.ApplyReferralCode(ctx, referee, "NOPE1234")
	require.ErrorIs(t, err, ErrCodeNotFound)

	// Own code is rejected
	err = ls.ApplyReferralCode(ctx, referrer, referrerRecord.ReferralCode)
	require.ErrorIs(t, err, ErrSelfReferral)

	// First binding succeeds and issues the referee their own code
	err = ls.ApplyReferralCode(ctx, referee, referrerRecord.ReferralCode)
	require.NoError(t, err)

	refereeRecord, err := ls.GetOrCreateReferral(ctx, referee)
	require.NoError(t, err)
	require.NotNil(t, refereeRecord.ReferrerAddress)
	require.Equal(t, referrer, *refereeRecord.ReferrerAddress)
	require.NotEmpty(t, refereeRecord.ReferralCode)

	// The binding is immutable: a second code is rejected
	otherRecord, err := ls.GetOrCreateReferral(ctx, other)
	require.NoError(t, err)
	err = ls.ApplyReferralCode(ctx, referee, otherRecord.ReferralCode)
	require.ErrorIs(t, err, ErrAlreadyReferred)

	refereeRecord, err = ls.GetOrCreateReferral(ctx, referee)
	require.NoError(t, err)
	require.Equal(t, referrer, *refereeRecord.ReferrerAddress)
}

func TestActivateReferralOneShot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()
	referrer := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	referee := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	referrerRecord, err := ls.GetOrCreateReferral(ctx, referrer)
	require.NoError(t, err)
	require.NoError(t, ls.ApplyReferralCode(ctx, referee, referrerRecord.ReferralCode))

	const bonus = int64(20)
	activate := func() bool {
		var activated bool
		err := ls.Transaction(ctx, func(tx *gorm.DB) error {
			var err error
			activated, err = ActivateReferral(tx, referee, bonus, 1700000000)
			return err
		})
		require.NoError(t, err)
		return activated
	}

	// First qualifying action pays the referrer
	require.True(t, activate())

	ledger, err := ls.GetLedger(ctx, referrer)
	require.NoError(t, err)
	require.NotNil(t, ledger)
	require.Equal(t, bonus, ledger.ReferralPoints)
	require.Equal(t, bonus, ledger.TotalPoints)

	refereeRecord, err := ls.GetOrCreateReferral(ctx, referee)
	require.NoError(t, err)
	require.True(t, refereeRecord.IsActivated)
	require.NotNil(t, refereeRecord.ActivatedAt)

	referrerRecord, err = ls.GetOrCreateReferral(ctx, referrer)
	require.NoError(t, err)
	require.Equal(t, bonus, referrerRecord.ReferralPointsEarned)

	// Replaying the activation is a no-op
	require.False(t, activate())

	ledger, err = ls.GetLedger(ctx, referrer)
	require.NoError(t, err)
	require.Equal(t, bonus, ledger.ReferralPoints)

	// The synthetic source hash marks the referral award
	history, err := ls.PointHistory(ctx, referrer, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Contains(t, history[0].SourceTxHash, "referral_"+referee)
}

func TestActivateReferralWithoutReferrer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()
	addr := "0xdddddddddddddddddddddddddddddddddddddddd"

	// A user with a code but no referrer activates nothing
	_, err := ls.GetOrCreateReferral(ctx, addr)
	require.NoError(t, err)

	err = ls.Transaction(ctx, func(tx *gorm.DB) error {
		activated, err := ActivateReferral(tx, addr, 20, 1700000000)
		require.False(t, activated)
		return err
	})
	require.NoError(t, err)

	// An unknown address is also a no-op
	err = ls.Transaction(ctx, func(tx *gorm.DB) error {
		activated, err := ActivateReferral(tx, "0xnobody", 20, 1700000000)
		require.False(t, activated)
		return err
	})
	require.NoError(t, err)
}

func TestCalculatorCheckpointLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ts, ls := setupLedgerStore(t)
	defer ts.teardown(t)

	ctx := context.Background()

	// First read creates the row at zero
	cp, err := ls.GetCalculatorCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), cp.LastProcessedTossID)
	require.Equal(t, uint64(0), cp.LastProcessedWinnerID)

	cp.LastProcessedTossID = 17
	cp.LastProcessedWinnerID = 4
	err = ls.Transaction(ctx, func(tx *gorm.DB) error {
		return SaveCalculatorCheckpoint(tx, cp)
	})
	require.NoError(t, err)

	cp, err = ls.GetCalculatorCheckpoint(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(17), cp.LastProcessedTossID)
	require.Equal(t, uint64(4), cp.LastProcessedWinnerID)
}
