package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/sha3"
)

// headerVersion is written first in every encoded header so the layout can
// evolve without ambiguity.
const headerVersion uint32 = 1

// BeneficiaryVersion is the base58check version byte of payout addresses.
const BeneficiaryVersion byte = 0x3a

// Template is an unsealed block: everything but the nonce. Target is stamped
// by the difficulty controller before the template is mined.
type Template struct {
	Parent      chainhash.Hash
	Height      uint64
	Timestamp   uint64 // unix milliseconds
	TxRoot      chainhash.Hash
	Beneficiary string
	Target      Target
}

// HeaderBytes returns the canonical pre-seal encoding fed to the puzzle.
func (t *Template) HeaderBytes() []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes do not fail
	_ = t.encode(&buf)
	return buf.Bytes()
}

// Hash identifies the template. Two submissions with the same hash are the
// same work.
func (t *Template) Hash() chainhash.Hash {
	return chainhash.Hash(sha3.Sum256(t.HeaderBytes()))
}

// Validate checks the fields that must be present before a template is mined.
func (t *Template) Validate() error {
	if t.Height == 0 {
		return fmt.Errorf("template height must be above genesis")
	}
	if t.Target.IsZero() {
		return fmt.Errorf("template target is not set")
	}
	if t.Beneficiary != "" {
		if _, err := DecodeBeneficiary(t.Beneficiary); err != nil {
			return err
		}
	}
	return nil
}

func (t *Template) encode(w io.Writer) error {
	var scratch [8]byte

	binary.BigEndian.PutUint32(scratch[:4], headerVersion)
	if _, err := w.Write(scratch[:4]); err != nil {
		return err
	}
	if _, err := w.Write(t.Parent[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(scratch[:], t.Height)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(scratch[:], t.Timestamp)
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}
	if _, err := w.Write(t.TxRoot[:]); err != nil {
		return err
	}
	if err := wire.WriteVarString(w, 0, t.Beneficiary); err != nil {
		return err
	}
	_, err := w.Write(t.Target[:])
	return err
}

func (t *Template) decode(r io.Reader) error {
	var scratch [8]byte

	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return err
	}
	if v := binary.BigEndian.Uint32(scratch[:4]); v != headerVersion {
		return fmt.Errorf("unsupported header version %d", v)
	}
	if _, err := io.ReadFull(r, t.Parent[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}
	t.Height = binary.BigEndian.Uint64(scratch[:])
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return err
	}
	t.Timestamp = binary.BigEndian.Uint64(scratch[:])
	if _, err := io.ReadFull(r, t.TxRoot[:]); err != nil {
		return err
	}
	beneficiary, err := wire.ReadVarString(r, 0)
	if err != nil {
		return err
	}
	t.Beneficiary = beneficiary
	_, err = io.ReadFull(r, t.Target[:])
	return err
}

// EncodeBeneficiary renders a 20-byte payout key hash as a base58check address.
func EncodeBeneficiary(keyHash [20]byte) string {
	return base58.CheckEncode(keyHash[:], BeneficiaryVersion)
}

// DecodeBeneficiary parses a payout address back into its key hash.
func DecodeBeneficiary(addr string) ([20]byte, error) {
	var out [20]byte
	payload, version, err := base58.CheckDecode(addr)
	if err != nil {
		return out, fmt.Errorf("invalid beneficiary %q: %w", addr, err)
	}
	if version != BeneficiaryVersion {
		return out, fmt.Errorf("invalid beneficiary %q: unexpected version 0x%02x", addr, version)
	}
	if len(payload) != len(out) {
		return out, fmt.Errorf("invalid beneficiary %q: payload is %d bytes", addr, len(payload))
	}
	copy(out[:], payload)
	return out, nil
}
