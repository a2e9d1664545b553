package calculator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm/logger"

	"github.com/lilypad-labs/pondex/internal/store"
	"github.com/lilypad-labs/pondex/pkg/config"
	"github.com/lilypad-labs/pondex/pkg/models"
)

type calcFixture struct {
	container testcontainers.Container
	events    *store.EventStore
	ledger    *store.LedgerStore
}

func setupCalcFixture(t *testing.T) *calcFixture {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pondex_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := store.DefaultConfig()
	cfg.DSN = dsn
	cfg.LogLevel = logger.Silent

	st, err := store.New(cfg)
	require.NoError(t, err)

	events := store.NewEventStore(st)
	require.NoError(t, events.Migrate())
	ledger := store.NewLedgerStore(st)
	require.NoError(t, ledger.Migrate())

	return &calcFixture{container: container, events: events, ledger: ledger}
}

func (f *calcFixture) teardown(t *testing.T) {
	t.Helper()
	f.events.Close()
	f.container.Terminate(context.Background())
}

func pointsConfig() config.PointsConfig {
	return config.PointsConfig{
		TossMultiplier: 10,
		WinnerBonus:    100,
		ReferralBonus:  20,
		BatchLimit:     1000,
	}
}

func insertToss(t *testing.T, f *calcFixture, txHash, participant, amount string, block uint64) {
	t.Helper()
	batch := &store.EventBatch{
		Tosses: []models.CoinTossed{{
			TxHash:           txHash,
			BlockNumber:      block,
			BlockTimestamp:   1700000000 + int64(block),
			PondID:           "0xdaily",
			Participant:      participant,
			Amount:           amount,
			TossTimestamp:    1700000000 + int64(block),
			RunningTossCount: 1,
			RunningPondValue: amount,
			TokenAddress:     models.ZeroAddress,
		}},
		ConfirmedBlock: block,
	}
	require.NoError(t, f.events.InsertBatch(context.Background(), batch))
}

func insertWinner(t *testing.T, f *calcFixture, txHash, winner string, block uint64) {
	t.Helper()
	batch := &store.EventBatch{
		Winners: []models.WinnerSelected{{
			TxHash:         txHash,
			BlockNumber:    block,
			BlockTimestamp: 1700000000 + int64(block),
			PondID:         "0xdaily",
			Winner:         winner,
			Prize:          "900000000000000000",
			Selector:       "0xsel",
			TokenAddress:   models.ZeroAddress,
		}},
		ConfirmedBlock: block,
	}
	require.NoError(t, f.events.InsertBatch(context.Background(), batch))
}

// fakePonds serves a fixed pond config.
type fakePonds struct {
	cfg *PondConfig
}

func (p *fakePonds) PondConfig(ctx context.Context, pondID string) (*PondConfig, error) {
	return p.cfg, nil
}

func TestCalculatorAwardsTossAndWinnerPoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()
	alice := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	insertToss(t, f, "0x01", alice, ether(2.5).String(), 100) // flat: 25 points
	insertToss(t, f, "0x02", alice, ether(1).String(), 101)   // flat: 10 points
	insertToss(t, f, "0x03", bob, ether(0.05).String(), 102)  // flat floor: 1 point
	insertWinner(t, f, "0x04", bob, 103)

	calc := New(f.events, f.ledger, nil, pointsConfig())
	require.NoError(t, calc.Run(ctx))

	aliceLedger, err := f.ledger.GetLedger(ctx, alice)
	require.NoError(t, err)
	require.NotNil(t, aliceLedger)
	require.Equal(t, int64(35), aliceLedger.TossPoints)
	require.Equal(t, int64(35), aliceLedger.TotalPoints)

	bobLedger, err := f.ledger.GetLedger(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, int64(1), bobLedger.TossPoints)
	require.Equal(t, int64(100), bobLedger.WinnerPoints)
	require.Equal(t, int64(101), bobLedger.TotalPoints)

	cp, err := f.ledger.GetCalculatorCheckpoint(ctx)
	require.NoError(t, err)
	require.NotZero(t, cp.LastProcessedTossID)
	require.NotZero(t, cp.LastProcessedWinnerID)
}

func TestCalculatorRerunDoesNotDoubleAward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()
	alice := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	insertToss(t, f, "0x01", alice, ether(1).String(), 100)

	calc := New(f.events, f.ledger, nil, pointsConfig())
	require.NoError(t, calc.Run(ctx))
	require.NoError(t, calc.Run(ctx))
	require.NoError(t, calc.Run(ctx))

	ledger, err := f.ledger.GetLedger(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(10), ledger.TotalPoints)

	history, err := f.ledger.PointHistory(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCalculatorPicksUpNewEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()
	alice := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	insertToss(t, f, "0x01", alice, ether(1).String(), 100)
	calc := New(f.events, f.ledger, nil, pointsConfig())
	require.NoError(t, calc.Run(ctx))

	insertToss(t, f, "0x02", alice, ether(2).String(), 101)
	require.NoError(t, calc.Run(ctx))

	ledger, err := f.ledger.GetLedger(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(30), ledger.TotalPoints)
}

func TestCalculatorUsesPondCurve(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()
	alice := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	// Max-sized toss maps to the top of the curve
	insertToss(t, f, "0x01", alice, ether(10).String(), 100)

	ponds := &fakePonds{cfg: &PondConfig{
		MinTossPrice:  ether(0.1),
		MaxTossAmount: ether(10),
		TokenAddress:  models.ZeroAddress,
	}}
	calc := New(f.events, f.ledger, ponds, pointsConfig())
	require.NoError(t, calc.Run(ctx))

	ledger, err := f.ledger.GetLedger(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, int64(100), ledger.TossPoints)
}

func TestCalculatorActivatesReferralOnFirstToss(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()
	referrer := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	referee := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	referrerRecord, err := f.ledger.GetOrCreateReferral(ctx, referrer)
	require.NoError(t, err)
	require.NoError(t, f.ledger.ApplyReferralCode(ctx, referee, referrerRecord.ReferralCode))

	insertToss(t, f, "0x01", referee, ether(1).String(), 100)
	insertToss(t, f, "0x02", referee, ether(1).String(), 101)

	calc := New(f.events, f.ledger, nil, pointsConfig())
	require.NoError(t, calc.Run(ctx))

	// The referrer got exactly one activation bonus despite two tosses
	referrerLedger, err := f.ledger.GetLedger(ctx, referrer)
	require.NoError(t, err)
	require.NotNil(t, referrerLedger)
	require.Equal(t, int64(20), referrerLedger.ReferralPoints)
	require.Equal(t, int64(20), referrerLedger.TotalPoints)

	record, err := f.ledger.GetOrCreateReferral(ctx, referee)
	require.NoError(t, err)
	require.True(t, record.IsActivated)

	// The referee still earned their own toss points
	refereeLedger, err := f.ledger.GetLedger(ctx, referee)
	require.NoError(t, err)
	require.Equal(t, int64(20), refereeLedger.TossPoints)
}

func TestCalculatorBatchLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	f := setupCalcFixture(t)
	defer f.teardown(t)

	ctx := context.Background()

	for i := 0; i < 7; i++ {
		addr := fmt.Sprintf("0x%040d", i)
		insertToss(t, f, fmt.Sprintf("0xtx%d", i), addr, ether(1).String(), uint64(100+i))
	}

	cfg := pointsConfig()
	cfg.BatchLimit = 3

	// Run drains every batch, not just the first
	calc := New(f.events, f.ledger, nil, cfg)
	require.NoError(t, calc.Run(ctx))

	top, err := f.ledger.TopByPoints(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 7)
}
