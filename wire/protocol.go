package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the fixed envelope header length: 4 magic bytes, a
	// 12-byte null-padded command, a 4-byte payload length and a 4-byte
	// payload checksum.
	HeaderSize = 24

	// CommandSize is the fixed width of the ASCII command field.
	CommandSize = 12

	// DefaultMaxPayloadBytes bounds the declared payload length we will
	// accept before allocating anything.
	DefaultMaxPayloadBytes = 4 * 1024 * 1024

	// ProtocolVersion is the version we advertise. Announcing a modern
	// version makes peers send newer capability messages (feefilter,
	// wtxidrelay, sendaddrv2) during the handshake.
	ProtocolVersion = 70016

	// MaxUserAgentBytes caps the user agent string accepted in a version
	// payload.
	MaxUserAgentBytes = 256

	// MaxInvItems is the protocol ceiling on inventory vectors.
	MaxInvItems = 50000

	// MaxAddrEntries is the protocol ceiling on addr/addrv2 entries.
	MaxAddrEntries = 1000
)

// Service bitmask flags carried in version messages and addr entries.
const (
	SFNodeNetwork        uint64 = 1 << 0
	SFNodeWitness        uint64 = 1 << 3
	SFNodeNetworkLimited uint64 = 1 << 10
	SFNodeLibreRelay     uint64 = 1 << 29
)

// MainnetMagic identifies the production network in every envelope.
var MainnetMagic = [4]byte{0xf9, 0xbe, 0xb4, 0xd9}

// Wire commands. The decoder maps anything outside this set to Unknown.
const (
	CmdVersion    = "version"
	CmdVerack     = "verack"
	CmdPing       = "ping"
	CmdPong       = "pong"
	CmdInv        = "inv"
	CmdGetData    = "getdata"
	CmdTx         = "tx"
	CmdGetAddr    = "getaddr"
	CmdAddr       = "addr"
	CmdAddrV2     = "addrv2"
	CmdSendAddrV2 = "sendaddrv2"
	CmdWtxidRelay = "wtxidrelay"
	CmdFeeFilter  = "feefilter"
)

// Inventory vector types.
const (
	InvTypeTx        uint32 = 1
	InvTypeBlock     uint32 = 2
	InvTypeWTx       uint32 = 5
	InvWitnessFlag   uint32 = 1 << 30
	InvTypeWitnessTx uint32 = InvTypeTx | InvWitnessFlag
)

var (
	// ErrBadMagic indicates the envelope did not start with the expected
	// network magic.
	ErrBadMagic = errors.New("wire: bad network magic")

	// ErrBadChecksum indicates the payload checksum did not match the
	// header. The payload is never surfaced in this case.
	ErrBadChecksum = errors.New("wire: payload checksum mismatch")

	// ErrOversizedFrame indicates the declared payload length exceeds the
	// configured maximum. Raised before any payload allocation.
	ErrOversizedFrame = errors.New("wire: declared payload length exceeds maximum")

	// ErrBadCommand indicates the command field was not null-padded ASCII.
	ErrBadCommand = errors.New("wire: malformed command field")

	// ErrMalformedPayload indicates a structurally invalid payload for a
	// recognized command.
	ErrMalformedPayload = errors.New("wire: malformed payload")
)

// readCompactSize decodes the variable-length integer prefix used by
// inventory and address vectors, enforcing canonical encoding.
func readCompactSize(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, err
	}
	switch b[0] {
	case 0xfd:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint16(b[:2]))
		if v < 0xfd {
			return 0, fmt.Errorf("%w: non-canonical compact size", ErrMalformedPayload)
		}
		return v, nil
	case 0xfe:
		if _, err := io.ReadFull(r, b[:4]); err != nil {
			return 0, err
		}
		v := uint64(binary.LittleEndian.Uint32(b[:4]))
		if v <= 0xffff {
			return 0, fmt.Errorf("%w: non-canonical compact size", ErrMalformedPayload)
		}
		return v, nil
	case 0xff:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return 0, err
		}
		v := binary.LittleEndian.Uint64(b[:8])
		if v <= 0xffffffff {
			return 0, fmt.Errorf("%w: non-canonical compact size", ErrMalformedPayload)
		}
		return v, nil
	default:
		return uint64(b[0]), nil
	}
}

func writeCompactSize(w io.Writer, v uint64) error {
	var buf [9]byte
	var n int
	switch {
	case v < 0xfd:
		buf[0] = byte(v)
		n = 1
	case v <= 0xffff:
		buf[0] = 0xfd
		binary.LittleEndian.PutUint16(buf[1:3], uint16(v))
		n = 3
	case v <= 0xffffffff:
		buf[0] = 0xfe
		binary.LittleEndian.PutUint32(buf[1:5], uint32(v))
		n = 5
	default:
		buf[0] = 0xff
		binary.LittleEndian.PutUint64(buf[1:9], v)
		n = 9
	}
	_, err := w.Write(buf[:n])
	return err
}

func readVarString(r io.Reader, max uint64) (string, error) {
	n, err := readCompactSize(r)
	if err != nil {
		return "", err
	}
	if n > max {
		return "", fmt.Errorf("%w: string length %d exceeds %d", ErrMalformedPayload, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeVarString(w io.Writer, s string) error {
	if err := writeCompactSize(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
