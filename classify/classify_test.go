package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"btcrouter/wire"
)

func TestUserAgentAloneIsNotEnoughForCore(t *testing.T) {
	r := NewRegistry()
	rec := r.Observe("a", UserAgentSignal("/Satoshi:27.0.0/"))
	require.Equal(t, LabelUnknown, rec.Label)
	require.InDelta(t, 2.0, rec.Confidence, 1e-9)
}

func TestCorroborationCrossesTheFloor(t *testing.T) {
	r := NewRegistry()
	r.Observe("a", UserAgentSignal("/Satoshi:27.0.0/"))

	ev, ok := ProtocolVersionSignal(wire.ProtocolVersion)
	require.True(t, ok)
	r.Observe("a", ev)
	require.Equal(t, LabelUnknown, r.Label("a"), "2.25 still below the floor")

	ev, ok = FeeFilterSignal(1000)
	require.True(t, ok)
	rec := r.Observe("a", ev)
	require.Equal(t, LabelCore, rec.Label)
	require.InDelta(t, 2.75, rec.Confidence, 1e-9)
}

func TestKnotsAgentCrossesFloorAlone(t *testing.T) {
	r := NewRegistry()
	rec := r.Observe("a", UserAgentSignal("/Satoshi:27.1.0/Knots:20240801/"))
	require.Equal(t, LabelKnots, rec.Label)
}

func TestLibreServiceBitMeetsFloorExactly(t *testing.T) {
	r := NewRegistry()
	ev, ok := ServicesSignal(wire.SFNodeLibreRelay | wire.SFNodeNetwork)
	require.True(t, ok)
	rec := r.Observe("a", ev)
	require.Equal(t, LabelLibre, rec.Label)
	require.InDelta(t, 2.5, rec.Confidence, 1e-9)

	rec = r.Observe("a", SubFloorRelaySignal())
	require.Equal(t, LabelLibre, rec.Label)
	require.InDelta(t, 4.0, rec.Confidence, 1e-9)
}

func TestServicesSignalAbsentBit(t *testing.T) {
	_, ok := ServicesSignal(wire.SFNodeNetwork | wire.SFNodeWitness)
	require.False(t, ok)
}

func TestFeeFilterSignalBands(t *testing.T) {
	ev, ok := FeeFilterSignal(1000)
	require.True(t, ok)
	require.Contains(t, ev.Votes, LabelCore)

	ev, ok = FeeFilterSignal(100)
	require.True(t, ok)
	require.Contains(t, ev.Votes, LabelLibre)

	_, ok = FeeFilterSignal(5000)
	require.False(t, ok)

	_, ok = FeeFilterSignal(0)
	require.False(t, ok)
}

func TestTxShapeSignal(t *testing.T) {
	_, ok := TxShapeSignal(&wire.Tx{Version: 2})
	require.False(t, ok)

	ev, ok := TxShapeSignal(&wire.Tx{Version: 7})
	require.True(t, ok)
	require.Contains(t, ev.Votes, LabelLibre)

	_, ok = TxShapeSignal(nil)
	require.False(t, ok)
}

func TestEvidenceIsAppendOnly(t *testing.T) {
	r := NewRegistry()
	r.Observe("a", UserAgentSignal("/Satoshi:27.0.0/"))
	r.Observe("a", SubFloorRelaySignal())
	rec, ok := r.Get("a")
	require.True(t, ok)
	require.Len(t, rec.Evidence, 2)
	require.Equal(t, "user_agent", rec.Evidence[0].Signal)
	require.Equal(t, "sub_floor_relay", rec.Evidence[1].Signal)
	for _, ev := range rec.Evidence {
		require.False(t, ev.At.IsZero())
	}
}

func TestChangeHookFiresOnTransitions(t *testing.T) {
	type move struct{ from, to Label }
	var moves []move
	r := NewRegistry(WithChangeHook(func(_ string, from, to Label) {
		moves = append(moves, move{from, to})
	}))

	r.Observe("a", UserAgentSignal("/Satoshi:27.0.0/")) // stays unknown
	r.Observe("a", Evidence{Signal: "test", Votes: map[Label]float64{LabelCore: 1.0}})
	require.Equal(t, []move{{LabelUnknown, LabelCore}}, moves)

	// Heavier libre evidence flips the label and fires again.
	r.Observe("a", Evidence{Signal: "test", Votes: map[Label]float64{LabelLibre: 5.0}})
	require.Equal(t, []move{{LabelUnknown, LabelCore}, {LabelCore, LabelLibre}}, moves)
}

func TestAggregateTiesBreakTowardFirstObserved(t *testing.T) {
	r := NewRegistry(WithConfidenceFloor(1.0))
	r.Observe("a", Evidence{Signal: "s1", Votes: map[Label]float64{LabelKnots: 3.0}})
	rec := r.Observe("a", Evidence{Signal: "s2", Votes: map[Label]float64{LabelLibre: 3.0}})
	require.Equal(t, LabelKnots, rec.Label)
}

func TestCountsAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("a", UserAgentSignal("/Satoshi:27.1.0/Knots:20240801/"))
	r.Observe("b", UserAgentSignal("/LibreRelay:27.0/"))
	r.Observe("c", UserAgentSignal("/btcwire:0.5.0/"))

	counts := r.Counts()
	require.Equal(t, 1, counts[LabelKnots])
	require.Equal(t, 1, counts[LabelLibre])
	require.Equal(t, 1, counts[LabelUnknown], "weak 'other' vote stays unknown")

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "a", snap[0].Addr)
	require.Equal(t, "c", snap[2].Addr)
}
