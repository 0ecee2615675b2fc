package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	payload, err := EncodeMessage(msg)
	require.NoError(t, err)
	decoded, err := DecodeMessage(Frame{Command: msg.Command(), Payload: payload})
	require.NoError(t, err)
	return decoded
}

func TestVersionRoundTrip(t *testing.T) {
	in := &Version{
		Version:     ProtocolVersion,
		Services:    SFNodeNetwork | SFNodeWitness,
		Timestamp:   1700000000,
		Recv:        NetAddr{Services: SFNodeNetwork, IP: net.ParseIP("203.0.113.7"), Port: 8333},
		From:        NetAddr{},
		Nonce:       0xdeadbeefcafe,
		UserAgent:   "/btcrouter:0.1.0/",
		StartHeight: 850000,
		Relay:       false,
	}
	out := roundTrip(t, in).(*Version)
	require.Equal(t, in.Version, out.Version)
	require.Equal(t, in.Services, out.Services)
	require.Equal(t, in.Timestamp, out.Timestamp)
	require.Equal(t, in.Nonce, out.Nonce)
	require.Equal(t, in.UserAgent, out.UserAgent)
	require.Equal(t, in.StartHeight, out.StartHeight)
	require.False(t, out.Relay)
	require.True(t, in.Recv.IP.To16().Equal(out.Recv.IP))
	require.Equal(t, in.Recv.Port, out.Recv.Port)
}

func TestVersionRelayDefaultsTrueWhenAbsent(t *testing.T) {
	payload, err := EncodeMessage(&Version{Version: 70015, UserAgent: "/Satoshi:0.16.0/"})
	require.NoError(t, err)
	// Strip the trailing relay byte as pre-70001 peers do.
	decoded, err := DecodeMessage(Frame{Command: CmdVersion, Payload: payload[:len(payload)-1]})
	require.NoError(t, err)
	require.True(t, decoded.(*Version).Relay)
}

func TestVersionTruncatedPayload(t *testing.T) {
	payload, err := EncodeMessage(&Version{UserAgent: "/x/"})
	require.NoError(t, err)
	_, err = DecodeMessage(Frame{Command: CmdVersion, Payload: payload[:20]})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestInvRoundTripAndTxDetection(t *testing.T) {
	in := &Inv{Items: []InvItem{
		{Type: InvTypeTx, Hash: [32]byte{1}},
		{Type: InvTypeBlock, Hash: [32]byte{2}},
		{Type: InvTypeWTx, Hash: [32]byte{3}},
		{Type: InvTypeWitnessTx, Hash: [32]byte{4}},
	}}
	out := roundTrip(t, in).(*Inv)
	require.Equal(t, in.Items, out.Items)
	require.True(t, out.Items[0].IsTx())
	require.False(t, out.Items[1].IsTx())
	require.True(t, out.Items[2].IsTx())
	require.True(t, out.Items[3].IsTx())
}

func TestInvRejectsOversizedVector(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeCompactSize(&buf, MaxInvItems+1))
	_, err := DecodeMessage(Frame{Command: CmdInv, Payload: buf.Bytes()})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestAddrRoundTrip(t *testing.T) {
	in := &Addr{Entries: []NetAddrEntry{
		{Time: 1700000000, NetAddr: NetAddr{Services: SFNodeNetwork, IP: net.ParseIP("198.51.100.3"), Port: 8333}},
	}}
	out := roundTrip(t, in).(*Addr)
	require.Len(t, out.Entries, 1)
	require.Equal(t, in.Entries[0].Time, out.Entries[0].Time)
	require.Equal(t, in.Entries[0].Port, out.Entries[0].Port)
	require.True(t, in.Entries[0].IP.To16().Equal(out.Entries[0].IP))
}

// buildAddrV2 assembles one BIP-155 entry by hand.
func buildAddrV2(t *testing.T, networkID byte, addr []byte, port uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeCompactSize(&buf, 1))
	writeUint32(&buf, 1700000000)
	require.NoError(t, writeCompactSize(&buf, SFNodeNetwork)) // services
	buf.WriteByte(networkID)
	require.NoError(t, writeCompactSize(&buf, uint64(len(addr))))
	buf.Write(addr)
	buf.WriteByte(byte(port >> 8))
	buf.WriteByte(byte(port))
	return buf.Bytes()
}

func TestAddrV2DecodesIPv4(t *testing.T) {
	payload := buildAddrV2(t, 1, []byte{198, 51, 100, 3}, 8333)
	decoded, err := DecodeMessage(Frame{Command: CmdAddrV2, Payload: payload})
	require.NoError(t, err)
	entries := decoded.(*Addr).Entries
	require.Len(t, entries, 1)
	require.Equal(t, "198.51.100.3", entries[0].IP.String())
	require.Equal(t, uint16(8333), entries[0].Port)
	require.Equal(t, SFNodeNetwork, entries[0].Services)
}

func TestAddrV2SkipsUnsupportedNetworks(t *testing.T) {
	// Network ID 4 is Tor v3; its 32-byte address must be consumed but
	// not surfaced.
	payload := buildAddrV2(t, 4, make([]byte, 32), 8333)
	decoded, err := DecodeMessage(Frame{Command: CmdAddrV2, Payload: payload})
	require.NoError(t, err)
	require.Empty(t, decoded.(*Addr).Entries)
}

func TestAddrV2RejectsWrongAddressLength(t *testing.T) {
	payload := buildAddrV2(t, 1, []byte{1, 2, 3}, 8333)
	_, err := DecodeMessage(Frame{Command: CmdAddrV2, Payload: payload})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeUnknownCommand(t *testing.T) {
	decoded, err := DecodeMessage(Frame{Command: "cmpctblock", Payload: make([]byte, 9)})
	require.NoError(t, err)
	unknown := decoded.(*Unknown)
	require.Equal(t, "cmpctblock", unknown.Command())
	require.Equal(t, 9, unknown.Size)
}

func TestFeeFilterRoundTrip(t *testing.T) {
	out := roundTrip(t, &FeeFilter{FeeRate: 1000}).(*FeeFilter)
	require.Equal(t, int64(1000), out.FeeRate)
}

func TestEmptyPayloadMessages(t *testing.T) {
	for _, msg := range []Message{&Verack{}, &GetAddr{}, &SendAddrV2{}, &WtxidRelay{}} {
		payload, err := EncodeMessage(msg)
		require.NoError(t, err)
		require.Empty(t, payload)
		decoded, err := DecodeMessage(Frame{Command: msg.Command()})
		require.NoError(t, err)
		require.Equal(t, msg.Command(), decoded.Command())
	}
}
