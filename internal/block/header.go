package block

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/sha3"
)

// maxWitnessSize bounds the optional witness carried in a seal.
const maxWitnessSize = 4096

// Seal is the proof attached to a template.
type Seal struct {
	Nonce   Nonce
	Digest  Digest
	Witness []byte
}

// Header is a sealed, importable block header.
type Header struct {
	Template
	Seal Seal
}

// NewHeader seals t with s.
func NewHeader(t Template, s Seal) *Header {
	return &Header{Template: t, Seal: s}
}

// Hash returns the sealed block hash.
func (h *Header) Hash() chainhash.Hash {
	return chainhash.Hash(sha3.Sum256(h.Bytes()))
}

// Bytes returns the full wire encoding of the sealed header.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	_ = h.Serialize(&buf)
	return buf.Bytes()
}

// Serialize writes the template encoding followed by the seal.
func (h *Header) Serialize(w io.Writer) error {
	if err := h.Template.encode(w); err != nil {
		return err
	}
	if _, err := w.Write(h.Seal.Nonce[:]); err != nil {
		return err
	}
	if _, err := w.Write(h.Seal.Digest[:]); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, 0, h.Seal.Witness)
}

// Deserialize reads a header written by Serialize.
func (h *Header) Deserialize(r io.Reader) error {
	if err := h.Template.decode(r); err != nil {
		return fmt.Errorf("decode template: %w", err)
	}
	if _, err := io.ReadFull(r, h.Seal.Nonce[:]); err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	if _, err := io.ReadFull(r, h.Seal.Digest[:]); err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	witness, err := wire.ReadVarBytes(r, 0, maxWitnessSize, "witness")
	if err != nil {
		return fmt.Errorf("decode witness: %w", err)
	}
	if len(witness) == 0 {
		witness = nil
	}
	h.Seal.Witness = witness
	return nil
}

// ParseHeader decodes a serialized header.
func ParseHeader(b []byte) (*Header, error) {
	h := new(Header)
	if err := h.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return h, nil
}
