package calculator

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/lilypad-labs/pondex/pkg/models"
)

// PondConfig is the slice of live pond state the points curve needs.
type PondConfig struct {
	MinTossPrice  *big.Int
	MaxTossAmount *big.Int
	TokenAddress  string
}

// PondConfigSource resolves live pond configuration by pond id.
type PondConfigSource interface {
	PondConfig(ctx context.Context, pondID string) (*PondConfig, error)
}

// TokenConfig describes a token the ponds accept.
type TokenConfig struct {
	Symbol     string
	Decimals   int
	Multiplier int64
}

// TokenRegistry maps lowercase token addresses to their configuration.
// Unknown tokens fall back to 18 decimals and the default multiplier.
type TokenRegistry struct {
	tokens            map[string]TokenConfig
	defaultMultiplier int64
}

// NewTokenRegistry returns a registry with the native token preconfigured.
func NewTokenRegistry(defaultMultiplier int64) *TokenRegistry {
	return &TokenRegistry{
		tokens: map[string]TokenConfig{
			models.ZeroAddress: {Symbol: "HYPE", Decimals: 18, Multiplier: defaultMultiplier},
		},
		defaultMultiplier: defaultMultiplier,
	}
}

// Add registers a token configuration.
func (r *TokenRegistry) Add(address string, cfg TokenConfig) {
	r.tokens[strings.ToLower(address)] = cfg
}

// Lookup returns the configuration for a token address.
func (r *TokenRegistry) Lookup(address string) TokenConfig {
	if cfg, ok := r.tokens[strings.ToLower(address)]; ok {
		return cfg
	}
	return TokenConfig{Symbol: "UNKNOWN", Decimals: 18, Multiplier: r.defaultMultiplier}
}

// TossPoints computes the award for one toss.
//
// With pond bounds available the amount is clamped into
// [minTossPrice, maxTossAmount] and mapped linearly onto a 1..100 base,
// scaled by multiplier/10 and floored. Without bounds the award is a flat
// floor(tokens * multiplier). Either way the minimum award is 1.
func TossPoints(amount *big.Int, pond *PondConfig, token TokenConfig) int64 {
	if amount == nil || amount.Sign() <= 0 {
		return 1
	}

	if pond == nil || pond.MinTossPrice == nil || pond.MaxTossAmount == nil ||
		pond.MaxTossAmount.Cmp(pond.MinTossPrice) <= 0 {
		return flatPoints(amount, token)
	}

	clamped := new(big.Int).Set(amount)
	if clamped.Cmp(pond.MinTossPrice) < 0 {
		clamped.Set(pond.MinTossPrice)
	}
	if clamped.Cmp(pond.MaxTossAmount) > 0 {
		clamped.Set(pond.MaxTossAmount)
	}

	span := new(big.Float).SetInt(new(big.Int).Sub(pond.MaxTossAmount, pond.MinTossPrice))
	offset := new(big.Float).SetInt(new(big.Int).Sub(clamped, pond.MinTossPrice))
	normalized, _ := new(big.Float).Quo(offset, span).Float64()

	base := 1.0 + normalized*99.0
	points := int64(base * float64(token.Multiplier) / 10.0)
	if points < 1 {
		points = 1
	}
	return points
}

// flatPoints is the fallback curve when pond bounds are unknown.
func flatPoints(amount *big.Int, token TokenConfig) int64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(
		big.NewInt(10), big.NewInt(int64(token.Decimals)), nil,
	))
	tokens, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), scale).Float64()
	points := int64(tokens * float64(token.Multiplier))
	if points < 1 {
		points = 1
	}
	return points
}

// getPondStatusABI is the read surface used to resolve pond bounds. Output
// order matches the deployed contract.
const getPondStatusABI = `[{
  "inputs": [{"name": "pondType", "type": "bytes32"}],
  "name": "getPondStatus",
  "outputs": [
    {"name": "startTime", "type": "uint256"},
    {"name": "endTime", "type": "uint256"},
    {"name": "totalTosses", "type": "uint256"},
    {"name": "totalValue", "type": "uint256"},
    {"name": "totalParticipants", "type": "uint256"},
    {"name": "prize", "type": "uint256"},
    {"name": "prizeDistributed", "type": "bool"},
    {"name": "timeUntilEnd", "type": "uint256"},
    {"name": "minTossPrice", "type": "uint256"},
    {"name": "maxTotalTossAmount", "type": "uint256"},
    {"name": "period", "type": "uint256"},
    {"name": "tokenAddress", "type": "address"}
  ],
  "stateMutability": "view",
  "type": "function"
}]`

// ContractCaller is the read-only call surface of the RPC client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// ContractConfigSource resolves pond configuration with live getPondStatus
// calls, cached with a TTL so a batch of tosses in one pond costs one call.
type ContractConfigSource struct {
	caller   ContractCaller
	contract common.Address
	abi      abi.ABI
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cachedPondConfig
}

type cachedPondConfig struct {
	cfg       *PondConfig
	fetchedAt time.Time
}

// NewContractConfigSource builds a cached source against the ponds contract.
func NewContractConfigSource(caller ContractCaller, contract common.Address, ttl time.Duration) (*ContractConfigSource, error) {
	parsed, err := abi.JSON(strings.NewReader(getPondStatusABI))
	if err != nil {
		return nil, fmt.Errorf("parsing getPondStatus ABI: %w", err)
	}
	return &ContractConfigSource{
		caller:   caller,
		contract: contract,
		abi:      parsed,
		ttl:      ttl,
		cache:    make(map[string]cachedPondConfig),
	}, nil
}

// PondConfig returns the pond's live bounds, served from cache within TTL.
func (s *ContractConfigSource) PondConfig(ctx context.Context, pondID string) (*PondConfig, error) {
	s.mu.Lock()
	if entry, ok := s.cache[pondID]; ok && time.Since(entry.fetchedAt) < s.ttl {
		s.mu.Unlock()
		return entry.cfg, nil
	}
	s.mu.Unlock()

	cfg, err := s.fetch(ctx, pondID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[pondID] = cachedPondConfig{cfg: cfg, fetchedAt: time.Now()}
	s.mu.Unlock()
	return cfg, nil
}

func (s *ContractConfigSource) fetch(ctx context.Context, pondID string) (*PondConfig, error) {
	var pond [32]byte
	copy(pond[:], common.HexToHash(pondID).Bytes())

	input, err := s.abi.Pack("getPondStatus", pond)
	if err != nil {
		return nil, fmt.Errorf("packing getPondStatus: %w", err)
	}

	output, err := s.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &s.contract,
		Data: input,
	})
	if err != nil {
		return nil, fmt.Errorf("calling getPondStatus for %s: %w", pondID, err)
	}

	values, err := s.abi.Unpack("getPondStatus", output)
	if err != nil {
		return nil, fmt.Errorf("unpacking getPondStatus for %s: %w", pondID, err)
	}
	if len(values) < 12 {
		return nil, fmt.Errorf("getPondStatus returned %d values", len(values))
	}

	minPrice, ok := values[8].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getPondStatus minTossPrice has unexpected type")
	}
	maxAmount, ok := values[9].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getPondStatus maxTotalTossAmount has unexpected type")
	}
	token, ok := values[11].(common.Address)
	if !ok {
		return nil, fmt.Errorf("getPondStatus tokenAddress has unexpected type")
	}

	return &PondConfig{
		MinTossPrice:  minPrice,
		MaxTossAmount: maxAmount,
		TokenAddress:  strings.ToLower(token.Hex()),
	}, nil
}
