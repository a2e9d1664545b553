package decoder

// Built-in event ABIs for the two deployed contract versions. The v2 ABI is
// registered first so shared signatures resolve to the current deployment.

// ABIv2JSON covers the current contract: participant/winner naming plus a
// tokenAddress field on value-bearing events.
const ABIv2JSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": true, "name": "participant", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "timestamp", "type": "uint256"},
      {"indexed": false, "name": "totalPondTosses", "type": "uint256"},
      {"indexed": false, "name": "totalPondValue", "type": "uint256"},
      {"indexed": false, "name": "tokenAddress", "type": "address"}
    ],
    "name": "CoinTossed",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": true, "name": "winner", "type": "address"},
      {"indexed": false, "name": "prize", "type": "uint256"},
      {"indexed": false, "name": "selector", "type": "address"},
      {"indexed": false, "name": "tokenAddress", "type": "address"}
    ],
    "name": "LuckyWinnerSelected",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": false, "name": "name", "type": "string"},
      {"indexed": false, "name": "startTime", "type": "uint256"},
      {"indexed": false, "name": "endTime", "type": "uint256"},
      {"indexed": false, "name": "actionType", "type": "string"}
    ],
    "name": "PondAction",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "configType", "type": "string"},
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": false, "name": "oldValue", "type": "uint256"},
      {"indexed": false, "name": "newValue", "type": "uint256"},
      {"indexed": false, "name": "oldAddress", "type": "address"},
      {"indexed": false, "name": "newAddress", "type": "address"}
    ],
    "name": "ConfigChanged",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "actionType", "type": "string"},
      {"indexed": true, "name": "recipient", "type": "address"},
      {"indexed": true, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": true, "name": "pondType", "type": "bytes32"}
    ],
    "name": "EmergencyAction",
    "type": "event"
  }
]`

// ABIv1JSON covers the original contract: frog/luckyFrog naming, no token
// field (v1 ponds only held the native token).
const ABIv1JSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": true, "name": "frog", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": false, "name": "timestamp", "type": "uint256"},
      {"indexed": false, "name": "totalPondTosses", "type": "uint256"},
      {"indexed": false, "name": "totalPondValue", "type": "uint256"}
    ],
    "name": "CoinTossed",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": true, "name": "luckyFrog", "type": "address"},
      {"indexed": false, "name": "prize", "type": "uint256"},
      {"indexed": false, "name": "selector", "type": "address"}
    ],
    "name": "LuckyFrogSelected",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": false, "name": "name", "type": "string"},
      {"indexed": false, "name": "startTime", "type": "uint256"},
      {"indexed": false, "name": "endTime", "type": "uint256"},
      {"indexed": false, "name": "actionType", "type": "string"}
    ],
    "name": "PondAction",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "configType", "type": "string"},
      {"indexed": true, "name": "pondType", "type": "bytes32"},
      {"indexed": false, "name": "oldValue", "type": "uint256"},
      {"indexed": false, "name": "newValue", "type": "uint256"},
      {"indexed": false, "name": "oldAddress", "type": "address"},
      {"indexed": false, "name": "newAddress", "type": "address"}
    ],
    "name": "ConfigUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "name": "actionType", "type": "string"},
      {"indexed": true, "name": "recipient", "type": "address"},
      {"indexed": true, "name": "token", "type": "address"},
      {"indexed": false, "name": "amount", "type": "uint256"},
      {"indexed": true, "name": "pondType", "type": "bytes32"}
    ],
    "name": "EmergencyAction",
    "type": "event"
  }
]`

// NewWithDefaults returns a Decoder with both built-in contract versions
// registered, newest first.
func NewWithDefaults() (*Decoder, error) {
	d := New()
	if err := d.RegisterVersion("v2", ABIv2JSON); err != nil {
		return nil, err
	}
	if err := d.RegisterVersion("v1", ABIv1JSON); err != nil {
		return nil, err
	}
	return d, nil
}
