// Package selector submits winner-selection transactions. It mirrors the
// automation keeper interface: poll checkUpkeep, submit performUpkeep while
// the contract reports work, bounded per invocation.
package selector

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lilypad-labs/pondex/pkg/config"
)

var selectionsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pondex_winner_selections_total",
	Help: "Total performUpkeep transactions submitted",
})

const upkeepABI = `[
  {
    "inputs": [{"name": "checkData", "type": "bytes"}],
    "name": "checkUpkeep",
    "outputs": [
      {"name": "upkeepNeeded", "type": "bool"},
      {"name": "performData", "type": "bytes"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"name": "performData", "type": "bytes"}],
    "name": "performUpkeep",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

// submitDelay spaces consecutive performUpkeep submissions so each lands
// with a fresh nonce.
const submitDelay = 2 * time.Second

// Chain is the transaction surface the selector needs.
type Chain interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Selector drives winner selection on the ponds contract.
type Selector struct {
	chain    Chain
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	abi      abi.ABI
	cfg      config.SelectorConfig
	delay    time.Duration
	logger   zerolog.Logger
}

// New builds a Selector from a hex-encoded private key.
func New(chain Chain, contract common.Address, cfg config.SelectorConfig) (*Selector, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("selector private key is required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(upkeepABI))
	if err != nil {
		return nil, fmt.Errorf("parsing upkeep ABI: %w", err)
	}

	return &Selector{
		chain:    chain,
		contract: contract,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		abi:      parsed,
		cfg:      cfg,
		delay:    submitDelay,
		logger:   log.With().Str("component", "selector").Logger(),
	}, nil
}

// From returns the submitting account.
func (s *Selector) From() common.Address {
	return s.from
}

// Run polls checkUpkeep and submits performUpkeep while the contract
// reports pending selections, capped at MaxIterations per invocation.
// It returns the number of transactions submitted.
func (s *Selector) Run(ctx context.Context) (int, error) {
	submitted := 0

	for i := 0; i < s.cfg.MaxIterations; i++ {
		needed, performData, err := s.checkUpkeep(ctx)
		if err != nil {
			return submitted, fmt.Errorf("checkUpkeep: %w", err)
		}
		if !needed {
			break
		}

		txHash, err := s.performUpkeep(ctx, performData)
		if err != nil {
			return submitted, fmt.Errorf("performUpkeep: %w", err)
		}
		submitted++
		selectionsSubmitted.Inc()
		s.logger.Info().
			Str("tx", txHash.Hex()).
			Int("iteration", i+1).
			Msg("submitted winner selection")

		if i+1 < s.cfg.MaxIterations {
			timer := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return submitted, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return submitted, nil
}

func (s *Selector) checkUpkeep(ctx context.Context) (bool, []byte, error) {
	input, err := s.abi.Pack("checkUpkeep", []byte{})
	if err != nil {
		return false, nil, err
	}

	output, err := s.chain.CallContract(ctx, ethereum.CallMsg{
		To:   &s.contract,
		Data: input,
	})
	if err != nil {
		return false, nil, err
	}

	values, err := s.abi.Unpack("checkUpkeep", output)
	if err != nil {
		return false, nil, err
	}
	if len(values) != 2 {
		return false, nil, fmt.Errorf("checkUpkeep returned %d values", len(values))
	}

	needed, ok := values[0].(bool)
	if !ok {
		return false, nil, fmt.Errorf("checkUpkeep upkeepNeeded has unexpected type")
	}
	performData, _ := values[1].([]byte)
	return needed, performData, nil
}

func (s *Selector) performUpkeep(ctx context.Context, performData []byte) (common.Hash, error) {
	input, err := s.abi.Pack("performUpkeep", performData)
	if err != nil {
		return common.Hash{}, err
	}

	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching chain id: %w", err)
	}

	nonce, err := s.chain.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetching nonce: %w", err)
	}

	gasPrice := new(big.Int).Mul(
		big.NewInt(s.cfg.GasPriceGwei),
		big.NewInt(1_000_000_000),
	)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.contract,
		Value:    big.NewInt(0),
		Gas:      s.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}

	if err := s.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}
