// Package calculator turns stored pond events into ledger points. It runs
// behind the ingestion engine with its own cursor, so replays and restarts
// of either stage never double-award.
package calculator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lilypad-labs/pondex/internal/store"
	"github.com/lilypad-labs/pondex/pkg/config"
	"github.com/lilypad-labs/pondex/pkg/models"
)

var (
	pointsAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pondex_points_awarded_total",
		Help: "Total points awarded by category",
	}, []string{"category"})

	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pondex_calculator_events_total",
		Help: "Total events processed by the calculator",
	}, []string{"kind"})

	referralsActivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pondex_referrals_activated_total",
		Help: "Total referral activations",
	})
)

// Calculator awards points for stored toss and winner events.
type Calculator struct {
	events *store.EventStore
	ledger *store.LedgerStore
	ponds  PondConfigSource
	tokens *TokenRegistry
	cfg    config.PointsConfig
	logger zerolog.Logger
}

// New creates a Calculator.
func New(events *store.EventStore, ledger *store.LedgerStore, ponds PondConfigSource, cfg config.PointsConfig) *Calculator {
	return &Calculator{
		events: events,
		ledger: ledger,
		ponds:  ponds,
		tokens: NewTokenRegistry(cfg.TossMultiplier),
		cfg:    cfg,
		logger: log.With().Str("component", "calculator").Logger(),
	}
}

// Tokens exposes the registry so deployments can add non-native tokens.
func (c *Calculator) Tokens() *TokenRegistry {
	return c.tokens
}

// Run drains all unprocessed events, batch by batch.
func (c *Calculator) Run(ctx context.Context) error {
	for {
		n, err := c.processTossBatch(ctx)
		if err != nil {
			return fmt.Errorf("processing tosses: %w", err)
		}
		if n < c.cfg.BatchLimit {
			break
		}
	}

	for {
		n, err := c.processWinnerBatch(ctx)
		if err != nil {
			return fmt.Errorf("processing winners: %w", err)
		}
		if n < c.cfg.BatchLimit {
			break
		}
	}

	return nil
}

// tossAward is a precomputed award for one toss, resolved before the
// transaction so no network calls happen while it is open.
type tossAward struct {
	toss   models.CoinTossed
	points int64
}

func (c *Calculator) processTossBatch(ctx context.Context) (int, error) {
	cp, err := c.ledger.GetCalculatorCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	tosses, err := c.events.TossesAfter(ctx, cp.LastProcessedTossID, c.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(tosses) == 0 {
		return 0, nil
	}

	awards := make([]tossAward, 0, len(tosses))
	for _, toss := range tosses {
		awards = append(awards, tossAward{toss: toss, points: c.tossPoints(ctx, &toss)})
	}

	now := time.Now().Unix()
	err = c.ledger.Transaction(ctx, func(tx *gorm.DB) error {
		for _, a := range awards {
			err := store.AwardPoints(tx, store.Award{
				Address:      a.toss.Participant,
				Category:     models.PointCategoryToss,
				Points:       a.points,
				SourceTxHash: a.toss.TxHash,
				PondID:       a.toss.PondID,
				Timestamp:    a.toss.BlockTimestamp,
			})
			if err != nil {
				return err
			}
			pointsAwarded.WithLabelValues(models.PointCategoryToss).Add(float64(a.points))
			eventsProcessed.WithLabelValues("toss").Inc()

			// A toss is the qualifying action for the referee's referral.
			activated, err := store.ActivateReferral(tx, a.toss.Participant, c.cfg.ReferralBonus, now)
			if err != nil {
				return err
			}
			if activated {
				referralsActivated.Inc()
				pointsAwarded.WithLabelValues(models.PointCategoryReferral).Add(float64(c.cfg.ReferralBonus))
				c.logger.Info().
					Str("referee", a.toss.Participant).
					Int64("bonus", c.cfg.ReferralBonus).
					Msg("referral activated")
			}

			cp.LastProcessedTossID = a.toss.ID
		}
		return store.SaveCalculatorCheckpoint(tx, cp)
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info().
		Int("count", len(tosses)).
		Uint64("cursor", cp.LastProcessedTossID).
		Msg("awarded toss points")
	return len(tosses), nil
}

func (c *Calculator) processWinnerBatch(ctx context.Context) (int, error) {
	cp, err := c.ledger.GetCalculatorCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	winners, err := c.events.WinnersAfter(ctx, cp.LastProcessedWinnerID, c.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(winners) == 0 {
		return 0, nil
	}

	err = c.ledger.Transaction(ctx, func(tx *gorm.DB) error {
		for _, winner := range winners {
			err := store.AwardPoints(tx, store.Award{
				Address:      winner.Winner,
				Category:     models.PointCategoryWinner,
				Points:       c.cfg.WinnerBonus,
				SourceTxHash: winner.TxHash,
				PondID:       winner.PondID,
				Timestamp:    winner.BlockTimestamp,
			})
			if err != nil {
				return err
			}
			pointsAwarded.WithLabelValues(models.PointCategoryWinner).Add(float64(c.cfg.WinnerBonus))
			eventsProcessed.WithLabelValues("winner").Inc()

			cp.LastProcessedWinnerID = winner.ID
		}
		return store.SaveCalculatorCheckpoint(tx, cp)
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info().
		Int("count", len(winners)).
		Uint64("cursor", cp.LastProcessedWinnerID).
		Msg("awarded winner points")
	return len(winners), nil
}

// tossPoints resolves the pond's live bounds and applies the curve. A pond
// the contract no longer answers for falls back to the flat curve.
func (c *Calculator) tossPoints(ctx context.Context, toss *models.CoinTossed) int64 {
	amount, ok := new(big.Int).SetString(toss.Amount, 10)
	if !ok {
		c.logger.Warn().
			Str("amount", toss.Amount).
			Str("tx", toss.TxHash).
			Msg("unparseable toss amount")
		return 1
	}

	var pond *PondConfig
	if c.ponds != nil {
		var err error
		pond, err = c.ponds.PondConfig(ctx, toss.PondID)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("pond", toss.PondID).
				Msg("pond config unavailable, using flat curve")
			pond = nil
		}
	}

	// The event's token wins over the live config; historic tosses may
	// predate a pond's token change.
	token := c.tokens.Lookup(toss.TokenAddress)
	return TossPoints(amount, pond, token)
}
