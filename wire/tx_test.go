package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func legacyTx(t *testing.T, version int32, inputs, outputs int) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeInt32(&buf, version)
	require.NoError(t, writeCompactSize(&buf, uint64(inputs)))
	for i := 0; i < inputs; i++ {
		buf.Write(make([]byte, 36)) // outpoint
		require.NoError(t, writeCompactSize(&buf, 0))
		writeUint32(&buf, 0xffffffff) // sequence
	}
	require.NoError(t, writeCompactSize(&buf, uint64(outputs)))
	for i := 0; i < outputs; i++ {
		writeUint64(&buf, 50000)
		require.NoError(t, writeCompactSize(&buf, 1))
		buf.WriteByte(0x51)
	}
	writeUint32(&buf, 0) // locktime
	return buf.Bytes()
}

func segwitTx(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeInt32(&buf, 2)
	buf.WriteByte(0x00) // marker
	buf.WriteByte(0x01) // flag
	require.NoError(t, writeCompactSize(&buf, 1))
	buf.Write(make([]byte, 36))
	require.NoError(t, writeCompactSize(&buf, 0))
	writeUint32(&buf, 0xfffffffd)
	require.NoError(t, writeCompactSize(&buf, 1))
	writeUint64(&buf, 90000)
	require.NoError(t, writeCompactSize(&buf, 1))
	buf.WriteByte(0x51)
	// Witness stack for the single input: two items.
	require.NoError(t, writeCompactSize(&buf, 2))
	require.NoError(t, writeCompactSize(&buf, 1))
	buf.WriteByte(0xab)
	require.NoError(t, writeCompactSize(&buf, 1))
	buf.WriteByte(0xcd)
	writeUint32(&buf, 0)
	return buf.Bytes()
}

func TestProbeLegacyTx(t *testing.T) {
	raw := legacyTx(t, 2, 1, 2)
	tx, err := probeTx(raw)
	require.NoError(t, err)
	require.Equal(t, int32(2), tx.Version)
	require.False(t, tx.HasWitness)
	require.Equal(t, 1, tx.NumInputs)
	require.Equal(t, 2, tx.NumOutputs)
	require.Equal(t, len(raw), tx.Size)
}

func TestProbeSegwitTx(t *testing.T) {
	tx, err := probeTx(segwitTx(t))
	require.NoError(t, err)
	require.True(t, tx.HasWitness)
	require.Equal(t, 1, tx.NumInputs)
	require.Equal(t, 1, tx.NumOutputs)
}

func TestProbeNonstandardVersionParses(t *testing.T) {
	// Shape probing is policy-free; a wild version number still parses
	// so the classifier can see it.
	tx, err := probeTx(legacyTx(t, 7, 1, 1))
	require.NoError(t, err)
	require.Equal(t, int32(7), tx.Version)
}

func TestProbeRejectsBadWitnessFlag(t *testing.T) {
	var buf bytes.Buffer
	writeInt32(&buf, 2)
	buf.WriteByte(0x00)
	buf.WriteByte(0x02) // only 0x01 is valid
	_, err := probeTx(buf.Bytes())
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestProbeRejectsTruncatedTx(t *testing.T) {
	raw := legacyTx(t, 2, 2, 2)
	_, err := probeTx(raw[:len(raw)-6])
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestProbeRejectsTrailingBytes(t *testing.T) {
	raw := append(legacyTx(t, 1, 1, 1), 0x00)
	_, err := probeTx(raw)
	require.ErrorIs(t, err, ErrMalformedPayload)
}
