// Package engine drives ingestion: it polls the chain for contract logs,
// adapts its batch size to what the provider tolerates, and hands decoded
// events to the store in checkpointed batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lilypad-labs/pondex/internal/rpc"
	"github.com/lilypad-labs/pondex/internal/store"
	"github.com/lilypad-labs/pondex/pkg/config"
	"github.com/lilypad-labs/pondex/pkg/decoder"
	"github.com/lilypad-labs/pondex/pkg/models"
)

// timestampCacheLimit bounds the per-engine block timestamp cache.
const timestampCacheLimit = 4096

// Chain is the upstream read surface the engine needs.
type Chain interface {
	HeadBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (int64, error)
}

// Sink is where decoded batches land.
type Sink interface {
	InsertBatch(ctx context.Context, batch *store.EventBatch) error
	Checkpoint(ctx context.Context) (uint64, bool, error)
	SetCheckpoint(ctx context.Context, block uint64) error
}

// Config holds engine settings.
type Config struct {
	ContractAddress common.Address
	StartBlock      uint64
	PollInterval    time.Duration
	Sync            config.SyncConfig
}

// Engine is the ingestion control loop.
type Engine struct {
	cfg   Config
	chain Chain
	sink  Sink
	dec   *decoder.Decoder

	batchSize  uint64
	timestamps map[uint64]int64
	logger     zerolog.Logger
}

// New creates an Engine with the initial batch size.
func New(cfg Config, chain Chain, sink Sink, dec *decoder.Decoder) *Engine {
	return &Engine{
		cfg:        cfg,
		chain:      chain,
		sink:       sink,
		dec:        dec,
		batchSize:  cfg.Sync.InitialBatchSize,
		timestamps: make(map[uint64]int64),
		logger:     log.With().Str("component", "engine").Logger(),
	}
}

// BatchSize returns the current adaptive batch size.
func (e *Engine) BatchSize() uint64 {
	return e.batchSize
}

// Run polls until ctx is canceled. Errors from individual sync rounds are
// logged and retried on the next round rather than stopping ingestion.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("contract", e.cfg.ContractAddress.Hex()).
		Uint64("start_block", e.cfg.StartBlock).
		Uint64("batch_size", e.batchSize).
		Msg("starting ingestion")

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := e.SyncOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			e.logger.Error().Err(err).Msg("sync round failed")
		}

		// Keep draining without pausing while behind the head.
		if processed > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce processes at most one batch of blocks. It returns the number of
// blocks confirmed in this round; zero means caught up.
func (e *Engine) SyncOnce(ctx context.Context) (int, error) {
	head, err := e.chain.HeadBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching head: %w", err)
	}
	if head < e.cfg.Sync.ReorgMargin {
		return 0, nil
	}
	// The youngest blocks stay off-limits so a shallow reorg cannot strand
	// the checkpoint past reorged events.
	safeHead := head - e.cfg.Sync.ReorgMargin

	last, found, err := e.sink.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}

	from := e.cfg.StartBlock
	if found {
		from = last + 1
	}
	if from > safeHead {
		syncLag.Set(0)
		return 0, nil
	}

	to := from + e.batchSize - 1
	if to > safeHead {
		to = safeHead
	}

	if err := e.processRange(ctx, from, to); err != nil {
		return 0, err
	}

	syncLag.Set(float64(safeHead - to))
	currentBlock.Set(float64(to))
	blocksIndexed.Add(float64(to - from + 1))
	return int(to - from + 1), nil
}

// span is one contiguous block range in the bisection worklist.
type span struct {
	from, to uint64
}

// processRange fetches and stores [from, to], bisecting on provider range
// rejections. Sub-ranges are processed in ascending order so the checkpoint
// only ever moves forward.
func (e *Engine) processRange(ctx context.Context, from, to uint64) error {
	work := []span{{from, to}}
	clean := true

	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		s := work[0]
		work = work[1:]

		err := e.fetchAndStore(ctx, s.from, s.to)
		if err == nil {
			continue
		}
		if errors.Is(err, rpc.ErrInvalidRange) {
			// Malformed range: retrying or splitting cannot help.
			return err
		}

		if s.from == s.to {
			// Retries are exhausted for this single block. Skipping it
			// keeps ingestion alive; the gap is logged loudly enough to
			// backfill by hand.
			e.logger.Error().
				Err(err).
				Uint64("block", s.from).
				Msg("skipping unprocessable block")
			blocksSkipped.Inc()
			if err := e.sink.SetCheckpoint(ctx, s.from); err != nil {
				return fmt.Errorf("advancing past skipped block %d: %w", s.from, err)
			}
			continue
		}

		clean = false
		e.shrinkBatch()
		rangeSplits.Inc()
		mid := s.from + (s.to-s.from)/2
		e.logger.Warn().
			Err(err).
			Uint64("from", s.from).
			Uint64("to", s.to).
			Uint64("mid", mid).
			Msg("splitting block range")
		work = append([]span{{s.from, mid}, {mid + 1, s.to}}, work...)
	}

	// Only a clean pass earns a bigger batch; a round that needed splitting
	// already shrank it.
	if clean {
		e.growBatch()
	}
	return nil
}

// fetchAndStore fetches logs for one range, decodes them, and commits the
// batch together with the checkpoint.
func (e *Engine) fetchAndStore(ctx context.Context, from, to uint64) error {
	logs, err := e.chain.FilterLogs(ctx, e.cfg.ContractAddress, from, to)
	if err != nil {
		return err
	}

	batch, err := e.buildBatch(ctx, logs, to)
	if err != nil {
		return err
	}

	if batch.Empty() {
		if err := e.sink.SetCheckpoint(ctx, to); err != nil {
			return err
		}
	} else {
		if err := e.sink.InsertBatch(ctx, batch); err != nil {
			return err
		}
	}

	return nil
}

// buildBatch decodes logs into typed rows. Unknown event signatures are
// skipped; they belong to untracked contract events.
func (e *Engine) buildBatch(ctx context.Context, logs []types.Log, confirmedBlock uint64) (*store.EventBatch, error) {
	batch := &store.EventBatch{ConfirmedBlock: confirmedBlock}

	for _, lg := range logs {
		ev, err := e.dec.Decode(lg)
		if err != nil {
			if errors.Is(err, decoder.ErrUnknownEvent) {
				e.logger.Debug().
					Str("topic0", lg.Topics[0].Hex()).
					Uint64("block", lg.BlockNumber).
					Msg("skipping untracked event")
				continue
			}
			return nil, fmt.Errorf("decoding log %s/%d: %w", lg.TxHash.Hex(), lg.Index, err)
		}

		ts, err := e.blockTimestamp(ctx, lg.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("resolving timestamp for block %d: %w", lg.BlockNumber, err)
		}

		if err := e.appendEvent(batch, ev, ts); err != nil {
			return nil, err
		}

		argsJSON, err := ev.ArgsJSON()
		if err != nil {
			return nil, fmt.Errorf("serializing args for %s: %w", ev.Name, err)
		}
		batch.Raw = append(batch.Raw, models.RawEventRecord{
			TxHash:      lg.TxHash.Hex(),
			LogIndex:    lg.Index,
			BlockNumber: lg.BlockNumber,
			EventName:   ev.Name,
			Args:        argsJSON,
		})
	}

	return batch, nil
}

func (e *Engine) appendEvent(batch *store.EventBatch, ev *decoder.Event, ts int64) error {
	switch ev.Kind() {
	case decoder.KindCoinTossed:
		row, err := decoder.ToCoinTossed(ev, ts)
		if err != nil {
			return err
		}
		batch.Tosses = append(batch.Tosses, *row)
		eventsStored.WithLabelValues("toss").Inc()
	case decoder.KindWinnerSelected:
		row, err := decoder.ToWinnerSelected(ev, ts)
		if err != nil {
			return err
		}
		batch.Winners = append(batch.Winners, *row)
		eventsStored.WithLabelValues("winner").Inc()
	case decoder.KindPondLifecycle:
		row, err := decoder.ToPondLifecycle(ev, ts)
		if err != nil {
			return err
		}
		batch.Lifecycles = append(batch.Lifecycles, *row)
		eventsStored.WithLabelValues("lifecycle").Inc()
	case decoder.KindConfigChange:
		row, err := decoder.ToConfigChange(ev, ts)
		if err != nil {
			return err
		}
		batch.ConfigChanges = append(batch.ConfigChanges, *row)
		eventsStored.WithLabelValues("config").Inc()
	case decoder.KindEmergencyWithdrawal:
		row, err := decoder.ToEmergencyWithdrawal(ev, ts)
		if err != nil {
			return err
		}
		batch.Emergencies = append(batch.Emergencies, *row)
		eventsStored.WithLabelValues("emergency").Inc()
	default:
		return fmt.Errorf("unmapped event %s", ev.Name)
	}
	return nil
}

// blockTimestamp resolves a block's timestamp, caching per unique block so
// a batch full of events in one block costs one header fetch.
func (e *Engine) blockTimestamp(ctx context.Context, number uint64) (int64, error) {
	if ts, ok := e.timestamps[number]; ok {
		return ts, nil
	}
	ts, err := e.chain.BlockTimestamp(ctx, number)
	if err != nil {
		return 0, err
	}
	if len(e.timestamps) >= timestampCacheLimit {
		e.timestamps = make(map[uint64]int64)
	}
	e.timestamps[number] = ts
	return ts, nil
}

// growBatch expands the batch size after a successful fetch, capped at max.
func (e *Engine) growBatch() {
	next := uint64(float64(e.batchSize) * e.cfg.Sync.GrowthFactor)
	if next <= e.batchSize {
		next = e.batchSize + 1
	}
	if next > e.cfg.Sync.MaxBatchSize {
		next = e.cfg.Sync.MaxBatchSize
	}
	e.batchSize = next
	batchSizeGauge.Set(float64(e.batchSize))
}

// shrinkBatch halves the batch size after a failure, floored at min.
func (e *Engine) shrinkBatch() {
	next := uint64(float64(e.batchSize) * e.cfg.Sync.ShrinkFactor)
	if next < e.cfg.Sync.MinBatchSize {
		next = e.cfg.Sync.MinBatchSize
	}
	e.batchSize = next
	batchSizeGauge.Set(float64(e.batchSize))
}
