package block

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func sampleTemplate() Template {
	return Template{
		Parent:      chainhash.HashH([]byte("parent")),
		Height:      100,
		Timestamp:   1_700_000_000_000,
		TxRoot:      chainhash.HashH([]byte("txs")),
		Beneficiary: EncodeBeneficiary([20]byte{1, 2, 3}),
		Target:      TargetWithLeadingZeros(8),
	}
}

func TestTargetFromBig(t *testing.T) {
	tests := []struct {
		name    string
		value   *big.Int
		wantErr bool
	}{
		{"one", big.NewInt(1), false},
		{"max", new(big.Int).Set(maxWord), false},
		{"zero", big.NewInt(0), true},
		{"negative", big.NewInt(-5), true},
		{"overflow", new(big.Int).Lsh(big.NewInt(1), 512), true},
		{"nil", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := TargetFromBig(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("TargetFromBig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && target.Big().Cmp(tt.value) != 0 {
				t.Errorf("round trip = %s, want %s", target.Big(), tt.value)
			}
		})
	}
}

func TestTargetWithLeadingZeros(t *testing.T) {
	target := TargetWithLeadingZeros(8)
	if target[0] != 0x00 || target[1] != 0xff {
		t.Errorf("unexpected leading bytes %x", target[:2])
	}
	if TargetWithLeadingZeros(0) != MaxTarget() {
		t.Error("zero leading bits should be the max target")
	}
	if TargetWithLeadingZeros(4).Cmp(TargetWithLeadingZeros(5)) <= 0 {
		t.Error("more leading zeros should be a smaller target")
	}
	if TargetWithLeadingZeros(1000).IsZero() {
		t.Error("target should never collapse to zero")
	}
}

func TestParseTarget(t *testing.T) {
	good := TargetWithLeadingZeros(16)
	parsed, err := ParseTarget(good.String())
	if err != nil {
		t.Fatalf("ParseTarget() error = %v", err)
	}
	if parsed != good {
		t.Error("ParseTarget did not round trip")
	}

	bad := []string{
		"",
		"abc",
		strings.Repeat("0", 128),
		strings.Repeat("zz", 64),
		strings.Repeat("ff", 65),
	}
	for _, s := range bad {
		if _, err := ParseTarget(s); err == nil {
			t.Errorf("ParseTarget(%q) expected error", s)
		}
	}
}

func TestDigestBelow(t *testing.T) {
	target, _ := TargetFromBig(big.NewInt(1000))

	var d Digest
	big.NewInt(999).FillBytes(d[:])
	if !d.Below(target) {
		t.Error("999 should be below 1000")
	}

	big.NewInt(1000).FillBytes(d[:])
	if d.Below(target) {
		t.Error("digest equal to target must not be accepted")
	}
}

func TestNonceFromUint64(t *testing.T) {
	n := NonceFromUint64(0x0102)
	if n[62] != 0x01 || n[63] != 0x02 {
		t.Errorf("unexpected nonce tail %x", n[60:])
	}
	if NonceFromUint64(0).IsZero() != true {
		t.Error("zero nonce should report IsZero")
	}

	wrapped := NonceFromBig(new(big.Int).Lsh(big.NewInt(1), 512))
	if !wrapped.IsZero() {
		t.Error("2^512 should wrap to zero")
	}
}

func TestTemplateHash(t *testing.T) {
	a := sampleTemplate()
	b := sampleTemplate()

	if a.Hash() != b.Hash() {
		t.Error("identical templates must hash identically")
	}

	b.Timestamp++
	if a.Hash() == b.Hash() {
		t.Error("timestamp change must change the template hash")
	}

	c := sampleTemplate()
	c.Target = TargetWithLeadingZeros(9)
	if a.Hash() == c.Hash() {
		t.Error("target change must change the template hash")
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr bool
	}{
		{"valid", func(*Template) {}, false},
		{"no beneficiary", func(t *Template) { t.Beneficiary = "" }, false},
		{"genesis height", func(t *Template) { t.Height = 0 }, true},
		{"missing target", func(t *Template) { t.Target = Target{} }, true},
		{"bad beneficiary", func(t *Template) { t.Beneficiary = "not-an-address" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := sampleTemplate()
			tt.mutate(&tmpl)
			if err := tmpl.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBeneficiary(t *testing.T) {
	key := [20]byte{9, 8, 7, 6, 5}
	addr := EncodeBeneficiary(key)

	decoded, err := DecodeBeneficiary(addr)
	if err != nil {
		t.Fatalf("DecodeBeneficiary() error = %v", err)
	}
	if decoded != key {
		t.Errorf("decoded = %x, want %x", decoded, key)
	}

	// flip a character to break the checksum
	broken := []byte(addr)
	if broken[3] == '2' {
		broken[3] = '3'
	} else {
		broken[3] = '2'
	}
	if _, err := DecodeBeneficiary(string(broken)); err == nil {
		t.Error("expected checksum failure")
	}
}

func TestHeaderSerialize(t *testing.T) {
	h := NewHeader(sampleTemplate(), Seal{
		Nonce:   NonceFromUint64(42),
		Digest:  Digest{0xaa},
		Witness: []byte("witness"),
	})

	var buf bytes.Buffer
	if err := h.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	parsed, err := ParseHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if parsed.Hash() != h.Hash() {
		t.Error("parsed header hash differs")
	}
	if parsed.Template.Hash() != h.Template.Hash() {
		t.Error("parsed template hash differs")
	}
	if string(parsed.Seal.Witness) != "witness" {
		t.Errorf("witness = %q", parsed.Seal.Witness)
	}

	if _, err := ParseHeader(buf.Bytes()[:40]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestHeaderHashCoversSeal(t *testing.T) {
	a := NewHeader(sampleTemplate(), Seal{Nonce: NonceFromUint64(1)})
	b := NewHeader(sampleTemplate(), Seal{Nonce: NonceFromUint64(2)})
	if a.Hash() == b.Hash() {
		t.Error("different nonces must give different block hashes")
	}
}
