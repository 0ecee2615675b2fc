package p2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"btcrouter/metrics"
	"btcrouter/wire"
)

func testSessionConfig() SessionConfig {
	return SessionConfig{
		DialTimeout:       2 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		KeepAliveInterval: time.Minute,
		ReadTimeout:       2 * time.Second,
	}
}

// startMockPeer runs script against the first accepted connection and
// returns the listener address.
func startMockPeer(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func peerVersion(userAgent string, services uint64) *wire.Version {
	return &wire.Version{
		Version:     wire.ProtocolVersion,
		Services:    services,
		Timestamp:   time.Now().Unix(),
		Nonce:       42,
		UserAgent:   userAgent,
		StartHeight: 850000,
		Relay:       true,
	}
}

func send(conn net.Conn, msg wire.Message) {
	_ = wire.WriteMessage(conn, wire.MainnetMagic, msg)
}

func sendRaw(conn net.Conn, command string, payload []byte, corrupt bool) {
	raw, err := wire.EncodeFrame(wire.MainnetMagic, command, payload)
	if err != nil {
		return
	}
	if corrupt {
		raw[20] ^= 0xff
	}
	_, _ = conn.Write(raw)
}

// waitForCommand reads the session's frames until cmd arrives.
func waitForCommand(fr *wire.FrameReader, cmd string) bool {
	for {
		frame, err := fr.Next()
		if err != nil {
			return false
		}
		if frame.Command == cmd {
			return true
		}
	}
}

func drain(fr *wire.FrameReader) {
	for {
		if _, err := fr.Next(); err != nil {
			return
		}
	}
}

// rawLegacyTx serializes a minimal one-in one-out transaction.
func rawLegacyTx(version int32) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(version))
	buf.Write(u32[:])
	buf.WriteByte(1) // one input
	buf.Write(make([]byte, 36))
	buf.WriteByte(0) // empty script
	binary.LittleEndian.PutUint32(u32[:], 0xffffffff)
	buf.Write(u32[:]) // sequence
	buf.WriteByte(1)  // one output
	buf.Write(make([]byte, 8))
	buf.WriteByte(0)           // empty script
	buf.Write(make([]byte, 4)) // locktime
	return buf.Bytes()
}

func TestSessionHappyPath(t *testing.T) {
	met := metrics.New()

	invItems := []wire.InvItem{
		{Type: wire.InvTypeWTx, Hash: [32]byte{1}},
		{Type: wire.InvTypeWTx, Hash: [32]byte{2}},
		{Type: wire.InvTypeBlock, Hash: [32]byte{3}},
	}
	addr := startMockPeer(t, func(conn net.Conn) {
		fr := wire.NewFrameReader(conn, wire.MainnetMagic, 0)
		if _, err := fr.Next(); err != nil { // session's version
			return
		}
		send(conn, peerVersion("/Satoshi:27.0.0/", wire.SFNodeNetwork|wire.SFNodeWitness))
		send(conn, &wire.Verack{})
		send(conn, &wire.Inv{Items: invItems})
		send(conn, &wire.Addr{Entries: []wire.NetAddrEntry{
			{Time: 1700000000, NetAddr: wire.NetAddr{IP: net.ParseIP("203.0.113.9"), Port: 8333}},
			{Time: 1700000001, NetAddr: wire.NetAddr{IP: net.ParseIP("203.0.114.9"), Port: 8333}},
		}})
		sendRaw(conn, wire.CmdTx, rawLegacyTx(2), false)

		if !waitForCommand(fr, wire.CmdGetAddr) {
			return
		}
		_ = conn.(*net.TCPConn).CloseWrite()
		drain(fr)
	})

	var mu sync.Mutex
	var handshakeUA string
	var sampled, gossiped, txVersions []int
	events := Events{
		Handshake: func(_ string, v *wire.Version) {
			mu.Lock()
			handshakeUA = v.UserAgent
			mu.Unlock()
		},
		SampleInv: func(_ string, items []wire.InvItem) []wire.InvItem {
			mu.Lock()
			sampled = append(sampled, len(items))
			mu.Unlock()
			return items[:1]
		},
		Addrs: func(_ string, entries []wire.NetAddrEntry) {
			mu.Lock()
			gossiped = append(gossiped, len(entries))
			mu.Unlock()
		},
		Tx: func(_ string, tx *wire.Tx) {
			mu.Lock()
			txVersions = append(txVersions, int(tx.Version))
			mu.Unlock()
		},
	}

	cfg := testSessionConfig()
	cfg.Metrics = met
	sess := NewSession(addr, cfg, events)
	summary := sess.Run(context.Background())

	require.Equal(t, StateClosed, sess.State())
	require.True(t, summary.HandshakeOK)
	require.Equal(t, ReasonPeerClosed, summary.Reason)
	require.Equal(t, "/Satoshi:27.0.0/", summary.UserAgent)
	require.Equal(t, int32(wire.ProtocolVersion), summary.Version)
	require.Equal(t, int32(850000), summary.Height)
	require.Equal(t, 3, summary.InvCount)
	require.Equal(t, 1, summary.TxCount)
	require.Equal(t, 2, summary.AddrCount)
	require.Equal(t, 1, summary.MsgCounts[wire.CmdVersion])
	require.Equal(t, 1, summary.MsgCounts[wire.CmdVerack])
	require.Equal(t, 1, summary.MsgCounts[wire.CmdInv])

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/Satoshi:27.0.0/", handshakeUA)
	require.Equal(t, []int{3}, sampled)
	require.Equal(t, []int{2}, gossiped)
	require.Equal(t, []int{2}, txVersions)

	snap, err := met.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 1.0, snap.Value("router_connections_total", nil))
	require.Equal(t, 1.0, snap.Value("router_handshakes_total", map[string]string{"result": "success"}))
	require.Equal(t, 1.0, snap.Value("router_getdata_sampled_total", nil))
	require.Equal(t, 1.0, snap.Value("router_messages_total", map[string]string{"command": "inv", "direction": "inbound"}))
}

func TestSessionChecksumViolation(t *testing.T) {
	addr := startMockPeer(t, func(conn net.Conn) {
		fr := wire.NewFrameReader(conn, wire.MainnetMagic, 0)
		if _, err := fr.Next(); err != nil {
			return
		}
		send(conn, peerVersion("/Satoshi:27.0.0/", 0))
		send(conn, &wire.Verack{})
		sendRaw(conn, wire.CmdPing, []byte{1, 2, 3, 4, 5, 6, 7, 8}, true)
		drain(fr)
	})

	sess := NewSession(addr, testSessionConfig(), Events{})
	summary := sess.Run(context.Background())
	require.True(t, summary.HandshakeOK)
	require.Equal(t, ReasonProtocolViolation, summary.Reason)
}

func TestSessionMalformedPayloadIsSkipped(t *testing.T) {
	addr := startMockPeer(t, func(conn net.Conn) {
		fr := wire.NewFrameReader(conn, wire.MainnetMagic, 0)
		if _, err := fr.Next(); err != nil {
			return
		}
		send(conn, peerVersion("/Satoshi:27.0.0/", 0))
		send(conn, &wire.Verack{})
		// Valid envelope, truncated ping payload: skipped, not fatal.
		sendRaw(conn, wire.CmdPing, []byte{1, 2, 3}, false)
		send(conn, &wire.Ping{Nonce: 9})

		// The session must still answer the well-formed ping.
		for {
			frame, err := fr.Next()
			if err != nil {
				return
			}
			if frame.Command != wire.CmdPong {
				continue
			}
			msg, err := wire.DecodeMessage(frame)
			if err == nil && msg.(*wire.Pong).Nonce == 9 {
				break
			}
		}
		_ = conn.(*net.TCPConn).CloseWrite()
		drain(fr)
	})

	sess := NewSession(addr, testSessionConfig(), Events{})
	summary := sess.Run(context.Background())
	require.True(t, summary.HandshakeOK)
	require.Equal(t, ReasonPeerClosed, summary.Reason)
	require.Equal(t, 1, summary.MsgCounts[wire.CmdPing], "malformed ping is not counted")
}

func TestSessionSecondVersionIsViolation(t *testing.T) {
	addr := startMockPeer(t, func(conn net.Conn) {
		fr := wire.NewFrameReader(conn, wire.MainnetMagic, 0)
		if _, err := fr.Next(); err != nil {
			return
		}
		send(conn, peerVersion("/Satoshi:27.0.0/", 0))
		send(conn, &wire.Verack{})
		send(conn, peerVersion("/Satoshi:27.0.0/", 0))
		drain(fr)
	})

	sess := NewSession(addr, testSessionConfig(), Events{})
	summary := sess.Run(context.Background())
	require.Equal(t, ReasonProtocolViolation, summary.Reason)
}

func TestSessionHandshakeTimeout(t *testing.T) {
	addr := startMockPeer(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})

	cfg := testSessionConfig()
	cfg.HandshakeTimeout = 150 * time.Millisecond
	sess := NewSession(addr, cfg, Events{})
	summary := sess.Run(context.Background())
	require.False(t, summary.HandshakeOK)
	require.Equal(t, ReasonHandshakeTimeout, summary.Reason)
}

func TestSessionDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sess := NewSession(addr, testSessionConfig(), Events{})
	summary := sess.Run(context.Background())
	require.False(t, summary.HandshakeOK)
	require.Equal(t, ReasonNetworkError, summary.Reason)
	require.Equal(t, StateClosed, sess.State())
}

func TestSessionShutdown(t *testing.T) {
	addr := startMockPeer(t, func(conn net.Conn) {
		fr := wire.NewFrameReader(conn, wire.MainnetMagic, 0)
		if _, err := fr.Next(); err != nil {
			return
		}
		send(conn, peerVersion("/Satoshi:27.0.0/", 0))
		send(conn, &wire.Verack{})
		drain(fr)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sess := NewSession(addr, testSessionConfig(), Events{})

	type result struct{ summary Summary }
	resCh := make(chan result, 1)
	go func() { resCh <- result{sess.Run(ctx)} }()

	require.Eventually(t, func() bool {
		return sess.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	res := <-resCh
	require.True(t, res.summary.HandshakeOK)
	require.Equal(t, ReasonShutdown, res.summary.Reason)
}
