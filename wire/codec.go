package wire

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is a decoded envelope: command plus checksum-verified payload. It
// only exists between the codec and the session dispatch.
type Frame struct {
	Command string
	Payload []byte
}

// Checksum is the first four bytes of SHA-256(SHA-256(payload)).
func Checksum(payload []byte) [4]byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

// EncodeFrame serializes one envelope: magic, null-padded command,
// little-endian payload length, payload checksum, payload bytes.
func EncodeFrame(magic [4]byte, command string, payload []byte) ([]byte, error) {
	if len(command) > CommandSize {
		return nil, fmt.Errorf("%w: %q", ErrBadCommand, command)
	}
	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedFrame, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:4], magic[:])
	copy(out[4:4+CommandSize], command)
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(payload)))
	sum := Checksum(payload)
	copy(out[20:24], sum[:])
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteMessage encodes and writes one message as a single frame.
func WriteMessage(w io.Writer, magic [4]byte, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(magic, msg.Command(), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// FrameReader assembles complete frames from a byte stream, buffering
// partial deliveries internally. Each session owns exactly one reader, so a
// slow peer only ever stalls its own goroutine.
type FrameReader struct {
	r          *bufio.Reader
	magic      [4]byte
	maxPayload int
	header     [HeaderSize]byte
}

// NewFrameReader wraps r with the given magic and payload ceiling. A
// non-positive maxPayload selects DefaultMaxPayloadBytes.
func NewFrameReader(r io.Reader, magic [4]byte, maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &FrameReader{
		r:          bufio.NewReaderSize(r, 8192),
		magic:      magic,
		maxPayload: maxPayload,
	}
}

// Next blocks until one complete frame is assembled and returns it with the
// checksum already verified. The declared length is validated against the
// ceiling before the payload buffer is allocated, so a hostile length field
// cannot trigger an unbounded allocation.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return Frame{}, err
	}
	if !bytes.Equal(fr.header[0:4], fr.magic[:]) {
		return Frame{}, fmt.Errorf("%w: got %x", ErrBadMagic, fr.header[0:4])
	}
	command, err := parseCommand(fr.header[4 : 4+CommandSize])
	if err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(fr.header[16:20])
	if int64(length) > int64(fr.maxPayload) {
		return Frame{}, fmt.Errorf("%w: declared %d, max %d", ErrOversizedFrame, length, fr.maxPayload)
	}
	var declared [4]byte
	copy(declared[:], fr.header[20:24])

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, err
	}
	if Checksum(payload) != declared {
		return Frame{}, fmt.Errorf("%w: command %q", ErrBadChecksum, command)
	}
	return Frame{Command: command, Payload: payload}, nil
}

// parseCommand strips the null padding and rejects anything that is not
// printable ASCII or that resumes after a null byte.
func parseCommand(raw []byte) (string, error) {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	for _, b := range raw[end:] {
		if b != 0 {
			return "", fmt.Errorf("%w: data after null padding", ErrBadCommand)
		}
	}
	cmd := raw[:end]
	if len(cmd) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrBadCommand)
	}
	for _, b := range cmd {
		if b < 0x20 || b > 0x7e {
			return "", fmt.Errorf("%w: non-printable byte 0x%02x", ErrBadCommand, b)
		}
	}
	return string(cmd), nil
}
