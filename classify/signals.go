package classify

import (
	"strings"

	"github.com/btcsuite/btcutil"

	"btcrouter/wire"
)

// Signal weights. A user-agent match alone stays below the confidence
// floor for ambiguous agents; it needs a corroborating behavioral or
// service-bit signal to produce a definite label.
const (
	weightAgentKnots  = 3.0
	weightAgentLibre  = 3.0
	weightAgentCore   = 2.0
	weightAgentOther  = 1.0
	weightLibreSvcBit = 2.5
	weightModernProto = 0.25
	weightDefaultFee  = 0.5
	weightLowFeeFloor = 1.0
	weightSubFeeRelay = 1.5
	weightOddVersion  = 1.0
)

// DefaultMinRelayFee is the fee floor (sat/kvB) a stock node announces via
// feefilter under no mempool pressure.
const DefaultMinRelayFee = btcutil.Amount(1000)

// UserAgentSignal votes based on the announced user agent. Knots and Libre
// Relay advertise inside a Satoshi-style agent, so their substrings are
// checked before the generic Core match.
func UserAgentSignal(agent string) Evidence {
	lower := strings.ToLower(agent)
	votes := make(map[Label]float64, 1)
	switch {
	case strings.Contains(lower, "knots"):
		votes[LabelKnots] = weightAgentKnots
	case strings.Contains(lower, "libre"):
		votes[LabelLibre] = weightAgentLibre
	case strings.Contains(lower, "satoshi"), strings.Contains(lower, "core"):
		votes[LabelCore] = weightAgentCore
	case strings.TrimSpace(lower) != "":
		votes[LabelOther] = weightAgentOther
	}
	return Evidence{Signal: "user_agent", Votes: votes}
}

// ServicesSignal votes from the services bitmask. Libre Relay peers signal
// a dedicated service bit.
func ServicesSignal(services uint64) (Evidence, bool) {
	if services&wire.SFNodeLibreRelay == 0 {
		return Evidence{}, false
	}
	return Evidence{
		Signal: "libre_service_bit",
		Votes:  map[Label]float64{LabelLibre: weightLibreSvcBit},
	}, true
}

// ProtocolVersionSignal gives weak corroboration for the Core family when
// the peer speaks a current protocol version.
func ProtocolVersionSignal(version int32) (Evidence, bool) {
	if version < wire.ProtocolVersion {
		return Evidence{}, false
	}
	return Evidence{
		Signal: "modern_protocol",
		Votes:  map[Label]float64{LabelCore: weightModernProto},
	}, true
}

// FeeFilterSignal interprets the announced minimum relay fee rate. The
// stock default corroborates Core weakly; a floor well under the default
// is characteristic of permissive relay policies.
func FeeFilterSignal(feeRate int64) (Evidence, bool) {
	amt := btcutil.Amount(feeRate)
	switch {
	case amt == DefaultMinRelayFee:
		return Evidence{
			Signal: "default_fee_floor",
			Votes:  map[Label]float64{LabelCore: weightDefaultFee},
		}, true
	case amt > 0 && amt <= DefaultMinRelayFee/10:
		return Evidence{
			Signal: "low_fee_floor",
			Votes:  map[Label]float64{LabelLibre: weightLowFeeFloor},
		}, true
	}
	return Evidence{}, false
}

// SubFloorRelaySignal fires when a peer relays a transaction below its own
// announced fee floor: policy-ignoring relay behavior.
func SubFloorRelaySignal() Evidence {
	return Evidence{
		Signal: "sub_floor_relay",
		Votes:  map[Label]float64{LabelLibre: weightSubFeeRelay},
	}
}

// TxShapeSignal votes from the structural shape of a relayed transaction.
// Standardness rules cap the version field, so relaying a transaction
// outside that range marks a permissive relay policy.
func TxShapeSignal(tx *wire.Tx) (Evidence, bool) {
	if tx == nil {
		return Evidence{}, false
	}
	if tx.Version < 1 || tx.Version > 3 {
		return Evidence{
			Signal: "nonstandard_tx_version",
			Votes:  map[Label]float64{LabelLibre: weightOddVersion},
		}, true
	}
	return Evidence{}, false
}
