package wire

import (
	"bytes"
	"fmt"
	"io"
)

// probeTx walks a raw transaction payload just far enough to extract its
// structural shape. No script, value or witness content is kept and the
// payload bytes are not referenced after this call returns.
func probeTx(payload []byte) (*Tx, error) {
	r := bytes.NewReader(payload)
	tx := &Tx{Size: len(payload)}
	var err error
	if tx.Version, err = readInt32(r); err != nil {
		return nil, malformed(CmdTx, err)
	}

	vinCount, err := readCompactSize(r)
	if err != nil {
		return nil, malformed(CmdTx, err)
	}
	// BIP-144: a zero input count followed by flag 0x01 marks a segwit
	// serialization; the real input count follows the flag.
	if vinCount == 0 {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, malformed(CmdTx, err)
		}
		if flag != 0x01 {
			return nil, fmt.Errorf("%w: tx witness flag 0x%02x", ErrMalformedPayload, flag)
		}
		tx.HasWitness = true
		if vinCount, err = readCompactSize(r); err != nil {
			return nil, malformed(CmdTx, err)
		}
	}
	if vinCount == 0 || vinCount > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: tx input count %d", ErrMalformedPayload, vinCount)
	}
	tx.NumInputs = int(vinCount)
	for i := uint64(0); i < vinCount; i++ {
		if err := skipTxIn(r); err != nil {
			return nil, malformed(CmdTx, err)
		}
	}

	voutCount, err := readCompactSize(r)
	if err != nil {
		return nil, malformed(CmdTx, err)
	}
	if voutCount == 0 || voutCount > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: tx output count %d", ErrMalformedPayload, voutCount)
	}
	tx.NumOutputs = int(voutCount)
	for i := uint64(0); i < voutCount; i++ {
		if err := skipTxOut(r); err != nil {
			return nil, malformed(CmdTx, err)
		}
	}

	if tx.HasWitness {
		for i := uint64(0); i < vinCount; i++ {
			if err := skipWitnessStack(r); err != nil {
				return nil, malformed(CmdTx, err)
			}
		}
	}
	// Trailing locktime.
	if _, err := readUint32(r); err != nil {
		return nil, malformed(CmdTx, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing tx bytes", ErrMalformedPayload, r.Len())
	}
	return tx, nil
}

func skipTxIn(r *bytes.Reader) error {
	// 32-byte outpoint hash + 4-byte index.
	if _, err := r.Seek(36, io.SeekCurrent); err != nil {
		return err
	}
	if err := skipVarBytes(r); err != nil {
		return err
	}
	// Sequence.
	_, err := readUint32(r)
	return err
}

func skipTxOut(r *bytes.Reader) error {
	// 8-byte value.
	if _, err := readUint64(r); err != nil {
		return err
	}
	return skipVarBytes(r)
}

func skipWitnessStack(r *bytes.Reader) error {
	count, err := readCompactSize(r)
	if err != nil {
		return err
	}
	if count > uint64(r.Len()) {
		return fmt.Errorf("%w: witness stack count %d", ErrMalformedPayload, count)
	}
	for i := uint64(0); i < count; i++ {
		if err := skipVarBytes(r); err != nil {
			return err
		}
	}
	return nil
}

func skipVarBytes(r *bytes.Reader) error {
	n, err := readCompactSize(r)
	if err != nil {
		return err
	}
	if n > uint64(r.Len()) {
		return fmt.Errorf("%w: declared %d bytes, %d remain", ErrMalformedPayload, n, r.Len())
	}
	_, err = r.Seek(int64(n), io.SeekCurrent)
	return err
}
