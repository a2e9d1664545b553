// Package decoder translates raw contract logs into typed pond events.
//
// The ponds contract has shipped with two event naming conventions. A
// Decoder holds one parsed ABI per known version and tries them in
// registration order, so logs from either deployment decode without
// guessing: a field that matches no known alias is a hard error.
package decoder

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/lilypad-labs/pondex/pkg/models"
)

// ErrUnknownEvent marks a log whose signature matches no registered event.
// Such logs belong to events outside the tracked set (access control,
// pause/unpause) and are expected to be skipped by the caller.
var ErrUnknownEvent = errors.New("unknown event signature")

// Kind identifies which event table a decoded log belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindCoinTossed
	KindWinnerSelected
	KindPondLifecycle
	KindConfigChange
	KindEmergencyWithdrawal
)

// Event names across the known contract versions.
const (
	eventCoinTossed          = "CoinTossed"
	eventLuckyWinnerSelected = "LuckyWinnerSelected"
	eventLuckyFrogSelected   = "LuckyFrogSelected"
	eventPondAction          = "PondAction"
	eventConfigChanged       = "ConfigChanged"
	eventConfigUpdated       = "ConfigUpdated"
	eventEmergencyAction     = "EmergencyAction"
)

// Event is a decoded log: the matching event name, the originating log and
// the raw argument map (go-ethereum native types).
type Event struct {
	Name    string
	Version string
	Log     types.Log
	Args    map[string]interface{}
}

// Kind reports which event table this decoded log belongs to, across both
// naming conventions.
func (e *Event) Kind() Kind {
	switch e.Name {
	case eventCoinTossed:
		return KindCoinTossed
	case eventLuckyWinnerSelected, eventLuckyFrogSelected:
		return KindWinnerSelected
	case eventPondAction:
		return KindPondLifecycle
	case eventConfigChanged, eventConfigUpdated:
		return KindConfigChange
	case eventEmergencyAction:
		return KindEmergencyWithdrawal
	default:
		return KindUnknown
	}
}

type contractVersion struct {
	name   string
	events map[common.Hash]abi.Event
}

// Decoder decodes contract logs against the registered contract versions.
type Decoder struct {
	versions []contractVersion
}

// New creates an empty Decoder.
func New() *Decoder {
	return &Decoder{}
}

// RegisterVersion parses an ABI JSON document and appends it to the list of
// versions tried during Decode. Registration order is priority order.
func (d *Decoder) RegisterVersion(name, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("parsing ABI for version %s: %w", name, err)
	}

	events := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, ev := range parsed.Events {
		events[ev.ID] = ev
	}

	d.versions = append(d.versions, contractVersion{name: name, events: events})
	return nil
}

// Versions returns the registered version names in priority order.
func (d *Decoder) Versions() []string {
	names := make([]string, 0, len(d.versions))
	for _, v := range d.versions {
		names = append(names, v.name)
	}
	return names
}

// Decode tries each registered version in order and returns the first match.
// Logs matching no version return ErrUnknownEvent.
func (d *Decoder) Decode(log types.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	for _, v := range d.versions {
		ev, ok := v.events[log.Topics[0]]
		if !ok {
			continue
		}

		args := make(map[string]interface{})

		if len(log.Data) > 0 {
			nonIndexed := ev.Inputs.NonIndexed()
			values, err := nonIndexed.Unpack(log.Data)
			if err != nil {
				return nil, fmt.Errorf("unpacking %s data: %w", ev.Name, err)
			}
			for i, arg := range nonIndexed {
				args[arg.Name] = values[i]
			}
		}

		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
				return nil, fmt.Errorf("parsing %s topics: %w", ev.Name, err)
			}
		}

		return &Event{Name: ev.Name, Version: v.name, Log: log, Args: args}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
}

// CanDecode reports whether any registered version recognizes the log.
func (d *Decoder) CanDecode(log types.Log) bool {
	if len(log.Topics) == 0 {
		return false
	}
	for _, v := range d.versions {
		if _, ok := v.events[log.Topics[0]]; ok {
			return true
		}
	}
	return false
}

// ConvertArgs normalizes a decoded argument map into JSON-friendly values:
// addresses to lowercase hex, big integers to decimal strings, byte arrays
// to hex strings.
func ConvertArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case common.Address:
			out[k] = strings.ToLower(val.Hex())
		case *big.Int:
			if val == nil {
				out[k] = "0"
			} else {
				out[k] = val.String()
			}
		case [32]byte:
			out[k] = "0x" + hex.EncodeToString(val[:])
		case []byte:
			out[k] = hex.EncodeToString(val)
		default:
			out[k] = v
		}
	}
	return out
}

// ArgsJSON returns the normalized argument map serialized for the raw_events
// audit table.
func (e *Event) ArgsJSON() ([]byte, error) {
	return json.Marshal(ConvertArgs(e.Args))
}

// --- typed mapping ---

// ToCoinTossed maps a decoded CoinTossed log onto its model row.
func ToCoinTossed(e *Event, blockTimestamp int64) (*models.CoinTossed, error) {
	pondID, err := bytes32Arg(e.Args, "pondType")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}
	participant, err := addressArg(e.Args, "participant", "frog")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}
	amount, err := bigArg(e.Args, "amount")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}
	tossTime, err := bigArg(e.Args, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}
	tossCount, err := bigArg(e.Args, "totalPondTosses")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}
	pondValue, err := bigArg(e.Args, "totalPondValue")
	if err != nil {
		return nil, fmt.Errorf("CoinTossed: %w", err)
	}

	return &models.CoinTossed{
		TxHash:           strings.ToLower(e.Log.TxHash.Hex()),
		BlockNumber:      e.Log.BlockNumber,
		BlockTimestamp:   blockTimestamp,
		PondID:           pondID,
		Participant:      participant,
		Amount:           amount.String(),
		TossTimestamp:    tossTime.Int64(),
		RunningTossCount: tossCount.Uint64(),
		RunningPondValue: pondValue.String(),
		TokenAddress:     optionalAddressArg(e.Args, "tokenAddress"),
	}, nil
}

// ToWinnerSelected maps a decoded winner-selection log onto its model row.
func ToWinnerSelected(e *Event, blockTimestamp int64) (*models.WinnerSelected, error) {
	pondID, err := bytes32Arg(e.Args, "pondType")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	winner, err := addressArg(e.Args, "winner", "luckyFrog")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	prize, err := bigArg(e.Args, "prize")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	selector, err := addressArg(e.Args, "selector")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}

	return &models.WinnerSelected{
		TxHash:         strings.ToLower(e.Log.TxHash.Hex()),
		BlockNumber:    e.Log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		PondID:         pondID,
		Winner:         winner,
		Prize:          prize.String(),
		Selector:       selector,
		TokenAddress:   optionalAddressArg(e.Args, "tokenAddress"),
	}, nil
}

// ToPondLifecycle maps a decoded PondAction log onto its model row.
func ToPondLifecycle(e *Event, blockTimestamp int64) (*models.PondLifecycle, error) {
	pondID, err := bytes32Arg(e.Args, "pondType")
	if err != nil {
		return nil, fmt.Errorf("PondAction: %w", err)
	}
	name, err := stringArg(e.Args, "name")
	if err != nil {
		return nil, fmt.Errorf("PondAction: %w", err)
	}
	startTime, err := bigArg(e.Args, "startTime")
	if err != nil {
		return nil, fmt.Errorf("PondAction: %w", err)
	}
	endTime, err := bigArg(e.Args, "endTime")
	if err != nil {
		return nil, fmt.Errorf("PondAction: %w", err)
	}
	action, err := stringArg(e.Args, "actionType")
	if err != nil {
		return nil, fmt.Errorf("PondAction: %w", err)
	}

	return &models.PondLifecycle{
		TxHash:         strings.ToLower(e.Log.TxHash.Hex()),
		BlockNumber:    e.Log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		PondID:         pondID,
		Name:           name,
		StartTime:      startTime.Int64(),
		EndTime:        endTime.Int64(),
		Action:         action,
	}, nil
}

// ToConfigChange maps a decoded configuration-change log onto its model row.
// Address columns are nulled when the contract emitted the zero address.
func ToConfigChange(e *Event, blockTimestamp int64) (*models.ConfigChange, error) {
	configKey, err := stringArg(e.Args, "configType", "config")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	pondID, err := bytes32Arg(e.Args, "pondType")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}

	row := &models.ConfigChange{
		TxHash:         strings.ToLower(e.Log.TxHash.Hex()),
		BlockNumber:    e.Log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		ConfigKey:      configKey,
		PondID:         pondID,
	}

	if v, err := bigArg(e.Args, "oldValue"); err == nil {
		s := v.String()
		row.OldValue = &s
	}
	if v, err := bigArg(e.Args, "newValue"); err == nil {
		s := v.String()
		row.NewValue = &s
	}
	if a := optionalAddressArg(e.Args, "oldAddress"); a != models.ZeroAddress {
		row.OldAddress = &a
	}
	if a := optionalAddressArg(e.Args, "newAddress"); a != models.ZeroAddress {
		row.NewAddress = &a
	}

	return row, nil
}

// ToEmergencyWithdrawal maps a decoded EmergencyAction log onto its model row.
func ToEmergencyWithdrawal(e *Event, blockTimestamp int64) (*models.EmergencyWithdrawal, error) {
	action, err := stringArg(e.Args, "actionType")
	if err != nil {
		return nil, fmt.Errorf("EmergencyAction: %w", err)
	}
	recipient, err := addressArg(e.Args, "recipient")
	if err != nil {
		return nil, fmt.Errorf("EmergencyAction: %w", err)
	}
	token, err := addressArg(e.Args, "token")
	if err != nil {
		return nil, fmt.Errorf("EmergencyAction: %w", err)
	}
	amount, err := bigArg(e.Args, "amount")
	if err != nil {
		return nil, fmt.Errorf("EmergencyAction: %w", err)
	}
	pondID, err := bytes32Arg(e.Args, "pondType")
	if err != nil {
		return nil, fmt.Errorf("EmergencyAction: %w", err)
	}

	return &models.EmergencyWithdrawal{
		TxHash:         strings.ToLower(e.Log.TxHash.Hex()),
		BlockNumber:    e.Log.BlockNumber,
		BlockTimestamp: blockTimestamp,
		Action:         action,
		Recipient:      recipient,
		Token:          token,
		Amount:         amount.String(),
		PondID:         pondID,
	}, nil
}

// --- argument extraction ---

// addressArg returns the first alias present as a lowercase hex address.
func addressArg(args map[string]interface{}, aliases ...string) (string, error) {
	for _, key := range aliases {
		if v, ok := args[key]; ok {
			addr, ok := v.(common.Address)
			if !ok {
				return "", fmt.Errorf("field %s is not an address", key)
			}
			return strings.ToLower(addr.Hex()), nil
		}
	}
	return "", fmt.Errorf("missing address field (tried %s)", strings.Join(aliases, ", "))
}

// optionalAddressArg returns the field as a lowercase hex address, or the
// zero address when absent.
func optionalAddressArg(args map[string]interface{}, key string) string {
	if v, ok := args[key]; ok {
		if addr, ok := v.(common.Address); ok {
			return strings.ToLower(addr.Hex())
		}
	}
	return models.ZeroAddress
}

// bigArg returns the first alias present as a *big.Int.
func bigArg(args map[string]interface{}, aliases ...string) (*big.Int, error) {
	for _, key := range aliases {
		if v, ok := args[key]; ok {
			n, ok := v.(*big.Int)
			if !ok || n == nil {
				return nil, fmt.Errorf("field %s is not a uint256", key)
			}
			return n, nil
		}
	}
	return nil, fmt.Errorf("missing uint256 field (tried %s)", strings.Join(aliases, ", "))
}

// stringArg returns the first alias present as a string.
func stringArg(args map[string]interface{}, aliases ...string) (string, error) {
	for _, key := range aliases {
		if v, ok := args[key]; ok {
			s, ok := v.(string)
			if !ok {
				return "", fmt.Errorf("field %s is not a string", key)
			}
			return s, nil
		}
	}
	return "", fmt.Errorf("missing string field (tried %s)", strings.Join(aliases, ", "))
}

// bytes32Arg returns the field as a 0x-prefixed hex string.
func bytes32Arg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing bytes32 field %s", key)
	}
	b, ok := v.([32]byte)
	if !ok {
		return "", fmt.Errorf("field %s is not bytes32", key)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
