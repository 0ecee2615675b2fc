package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Message is the closed set of protocol messages the router understands.
// Anything else decodes to *Unknown so dispatch stays total.
type Message interface {
	Command() string
}

// NetAddr is the fixed 26-byte network address layout used inside version
// payloads: services, a 16-byte IP (IPv4 mapped) and a big-endian port.
type NetAddr struct {
	Services uint64
	IP       net.IP
	Port     uint16
}

// NetAddrEntry extends NetAddr with the gossip timestamp used by addr
// payloads.
type NetAddrEntry struct {
	Time uint32
	NetAddr
}

// InvItem identifies one announced object.
type InvItem struct {
	Type uint32
	Hash [32]byte
}

// IsTx reports whether the item announces a transaction, with or without
// the witness flag.
func (it InvItem) IsTx() bool {
	switch it.Type &^ InvWitnessFlag {
	case InvTypeTx, InvTypeWTx:
		return true
	}
	return false
}

// Version is the handshake opener.
type Version struct {
	Version     int32
	Services    uint64
	Timestamp   int64
	Recv        NetAddr
	From        NetAddr
	Nonce       uint64
	UserAgent   string
	StartHeight int32
	Relay       bool
}

func (*Version) Command() string { return CmdVersion }

// Verack acknowledges a version message.
type Verack struct{}

func (*Verack) Command() string { return CmdVerack }

// Ping is the keepalive probe.
type Ping struct{ Nonce uint64 }

func (*Ping) Command() string { return CmdPing }

// Pong answers a ping with the same nonce.
type Pong struct{ Nonce uint64 }

func (*Pong) Command() string { return CmdPong }

// Inv announces objects the peer has.
type Inv struct{ Items []InvItem }

func (*Inv) Command() string { return CmdInv }

// GetData requests announced objects.
type GetData struct{ Items []InvItem }

func (*GetData) Command() string { return CmdGetData }

// GetAddr solicits address gossip.
type GetAddr struct{}

func (*GetAddr) Command() string { return CmdGetAddr }

// Addr carries gossiped peer addresses. addrv2 payloads decode into the
// same shape; unsupported network IDs are skipped.
type Addr struct{ Entries []NetAddrEntry }

func (*Addr) Command() string { return CmdAddr }

// SendAddrV2 signals addrv2 support.
type SendAddrV2 struct{}

func (*SendAddrV2) Command() string { return CmdSendAddrV2 }

// WtxidRelay signals BIP-339 wtxid-based relay.
type WtxidRelay struct{}

func (*WtxidRelay) Command() string { return CmdWtxidRelay }

// FeeFilter announces the peer's minimum relay fee rate in sat/kvB.
type FeeFilter struct{ FeeRate int64 }

func (*FeeFilter) Command() string { return CmdFeeFilter }

// Tx is the structural probe of a transaction payload. Only shape metadata
// is kept; the payload bytes themselves are never retained.
type Tx struct {
	Size       int
	Version    int32
	HasWitness bool
	NumInputs  int
	NumOutputs int
}

func (*Tx) Command() string { return CmdTx }

// Unknown stands in for every command outside the supported set.
type Unknown struct {
	Cmd  string
	Size int
}

func (u *Unknown) Command() string { return u.Cmd }

// DecodeMessage interprets a frame payload according to its command.
// Unrecognized commands yield *Unknown; recognized commands with
// structurally invalid payloads yield ErrMalformedPayload.
func DecodeMessage(f Frame) (Message, error) {
	r := bytes.NewReader(f.Payload)
	switch f.Command {
	case CmdVersion:
		return decodeVersion(r)
	case CmdVerack:
		return &Verack{}, nil
	case CmdPing:
		n, err := readUint64(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &Ping{Nonce: n}, nil
	case CmdPong:
		n, err := readUint64(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &Pong{Nonce: n}, nil
	case CmdInv:
		items, err := decodeInvVector(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &Inv{Items: items}, nil
	case CmdGetData:
		items, err := decodeInvVector(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &GetData{Items: items}, nil
	case CmdGetAddr:
		return &GetAddr{}, nil
	case CmdAddr:
		entries, err := decodeAddr(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &Addr{Entries: entries}, nil
	case CmdAddrV2:
		entries, err := decodeAddrV2(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &Addr{Entries: entries}, nil
	case CmdSendAddrV2:
		return &SendAddrV2{}, nil
	case CmdWtxidRelay:
		return &WtxidRelay{}, nil
	case CmdFeeFilter:
		v, err := readUint64(r)
		if err != nil {
			return nil, malformed(f.Command, err)
		}
		return &FeeFilter{FeeRate: int64(v)}, nil
	case CmdTx:
		return probeTx(f.Payload)
	default:
		return &Unknown{Cmd: f.Command, Size: len(f.Payload)}, nil
	}
}

// EncodeMessage serializes an outbound message into its payload bytes.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case *Version:
		encodeVersion(&buf, m)
	case *Verack, *GetAddr, *SendAddrV2, *WtxidRelay:
		// Empty payloads.
	case *Ping:
		writeUint64(&buf, m.Nonce)
	case *Pong:
		writeUint64(&buf, m.Nonce)
	case *Inv:
		if err := encodeInvVector(&buf, m.Items); err != nil {
			return nil, err
		}
	case *GetData:
		if err := encodeInvVector(&buf, m.Items); err != nil {
			return nil, err
		}
	case *Addr:
		if err := encodeAddr(&buf, m.Entries); err != nil {
			return nil, err
		}
	case *FeeFilter:
		writeUint64(&buf, uint64(m.FeeRate))
	default:
		return nil, fmt.Errorf("wire: cannot encode %q message", msg.Command())
	}
	return buf.Bytes(), nil
}

func malformed(cmd string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated %s payload", ErrMalformedPayload, cmd)
	}
	return fmt.Errorf("%s: %w", cmd, err)
}

func decodeVersion(r *bytes.Reader) (Message, error) {
	var v Version
	var err error
	if v.Version, err = readInt32(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	if v.Services, err = readUint64(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	ts, err := readUint64(r)
	if err != nil {
		return nil, malformed(CmdVersion, err)
	}
	v.Timestamp = int64(ts)
	if v.Recv, err = readNetAddr(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	if v.From, err = readNetAddr(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	if v.Nonce, err = readUint64(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	if v.UserAgent, err = readVarString(r, MaxUserAgentBytes); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	if v.StartHeight, err = readInt32(r); err != nil {
		return nil, malformed(CmdVersion, err)
	}
	// The relay flag only exists from protocol 70001 and some peers omit
	// it regardless; default to true when absent.
	v.Relay = true
	if r.Len() > 0 {
		b, err := r.ReadByte()
		if err != nil {
			return nil, malformed(CmdVersion, err)
		}
		v.Relay = b != 0
	}
	return &v, nil
}

func encodeVersion(buf *bytes.Buffer, v *Version) {
	writeInt32(buf, v.Version)
	writeUint64(buf, v.Services)
	writeUint64(buf, uint64(v.Timestamp))
	writeNetAddr(buf, v.Recv)
	writeNetAddr(buf, v.From)
	writeUint64(buf, v.Nonce)
	_ = writeVarString(buf, v.UserAgent)
	writeInt32(buf, v.StartHeight)
	if v.Relay {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func decodeInvVector(r *bytes.Reader) ([]InvItem, error) {
	count, err := readCompactSize(r)
	if err != nil {
		return nil, err
	}
	if count > MaxInvItems {
		return nil, fmt.Errorf("%w: %d inventory items exceeds %d", ErrMalformedPayload, count, MaxInvItems)
	}
	items := make([]InvItem, 0, count)
	for i := uint64(0); i < count; i++ {
		var it InvItem
		if it.Type, err = readUint32(r); err != nil {
			return nil, err
		}
		if _, err = io.ReadFull(r, it.Hash[:]); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func encodeInvVector(buf *bytes.Buffer, items []InvItem) error {
	if len(items) > MaxInvItems {
		return fmt.Errorf("%w: %d inventory items exceeds %d", ErrMalformedPayload, len(items), MaxInvItems)
	}
	if err := writeCompactSize(buf, uint64(len(items))); err != nil {
		return err
	}
	for _, it := range items {
		writeUint32(buf, it.Type)
		buf.Write(it.Hash[:])
	}
	return nil
}

func decodeAddr(r *bytes.Reader) ([]NetAddrEntry, error) {
	count, err := readCompactSize(r)
	if err != nil {
		return nil, err
	}
	if count > MaxAddrEntries {
		return nil, fmt.Errorf("%w: %d addr entries exceeds %d", ErrMalformedPayload, count, MaxAddrEntries)
	}
	entries := make([]NetAddrEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e NetAddrEntry
		if e.Time, err = readUint32(r); err != nil {
			return nil, err
		}
		if e.NetAddr, err = readNetAddr(r); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func encodeAddr(buf *bytes.Buffer, entries []NetAddrEntry) error {
	if len(entries) > MaxAddrEntries {
		return fmt.Errorf("%w: %d addr entries exceeds %d", ErrMalformedPayload, len(entries), MaxAddrEntries)
	}
	if err := writeCompactSize(buf, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		writeUint32(buf, e.Time)
		writeNetAddr(buf, e.NetAddr)
	}
	return nil
}

// decodeAddrV2 handles BIP-155 payloads. Only IPv4 and IPv6 entries are
// surfaced; other network IDs (Tor, I2P, CJDNS) are skipped after their
// declared length is consumed.
func decodeAddrV2(r *bytes.Reader) ([]NetAddrEntry, error) {
	count, err := readCompactSize(r)
	if err != nil {
		return nil, err
	}
	if count > MaxAddrEntries {
		return nil, fmt.Errorf("%w: %d addrv2 entries exceeds %d", ErrMalformedPayload, count, MaxAddrEntries)
	}
	entries := make([]NetAddrEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e NetAddrEntry
		if e.Time, err = readUint32(r); err != nil {
			return nil, err
		}
		if e.Services, err = readCompactSize(r); err != nil {
			return nil, err
		}
		networkID, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		addrLen, err := readCompactSize(r)
		if err != nil {
			return nil, err
		}
		if addrLen > 512 {
			return nil, fmt.Errorf("%w: addrv2 address length %d", ErrMalformedPayload, addrLen)
		}
		raw := make([]byte, addrLen)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		var portBuf [2]byte
		if _, err := io.ReadFull(r, portBuf[:]); err != nil {
			return nil, err
		}
		e.Port = binary.BigEndian.Uint16(portBuf[:])
		switch networkID {
		case 1: // ipv4
			if len(raw) != net.IPv4len {
				return nil, fmt.Errorf("%w: ipv4 addrv2 length %d", ErrMalformedPayload, len(raw))
			}
			e.IP = net.IP(raw).To16()
		case 2: // ipv6
			if len(raw) != net.IPv6len {
				return nil, fmt.Errorf("%w: ipv6 addrv2 length %d", ErrMalformedPayload, len(raw))
			}
			e.IP = net.IP(raw)
		default:
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func readNetAddr(r *bytes.Reader) (NetAddr, error) {
	var a NetAddr
	var err error
	if a.Services, err = readUint64(r); err != nil {
		return a, err
	}
	ip := make([]byte, net.IPv6len)
	if _, err := io.ReadFull(r, ip); err != nil {
		return a, err
	}
	a.IP = net.IP(ip)
	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return a, err
	}
	a.Port = binary.BigEndian.Uint16(portBuf[:])
	return a, nil
}

func writeNetAddr(buf *bytes.Buffer, a NetAddr) {
	writeUint64(buf, a.Services)
	ip := a.IP.To16()
	if ip == nil {
		ip = make(net.IP, net.IPv6len)
	}
	buf.Write(ip)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	buf.Write(portBuf[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
