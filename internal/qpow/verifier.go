package qpow

import (
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/bardlex/qpow/pkg/errors"
)

// Verifier checks sealed headers against the difficulty rules. It is the only
// component allowed to declare a candidate valid.
type Verifier struct {
	controller *difficulty.Controller
	now        func() time.Time
}

// NewVerifier creates a Verifier backed by controller.
func NewVerifier(controller *difficulty.Controller) *Verifier {
	return &Verifier{controller: controller, now: time.Now}
}

// VerifyHeader checks, in order: the declared target equals the controller's
// target for the window ending at the parent, the timestamp rule, and the
// seal. window must be the history ending at h.Parent.
func (v *Verifier) VerifyHeader(h *block.Header, window difficulty.Window) error {
	expected := v.controller.NextTarget(window)
	if h.Target != expected {
		return errors.Invalid("verify_header", "declared target does not match retarget rule").
			WithContext("declared", h.Target.String()).
			WithContext("expected", expected.String())
	}

	if err := v.controller.ValidateTimestamp(window, h.Timestamp, v.now()); err != nil {
		return err
	}

	return VerifySeal(&h.Template, h.Seal)
}

// VerifySeal checks seal against the template's own target without consulting
// the retarget rule. Miner services use it to reject bogus reports early.
func VerifySeal(t *block.Template, seal block.Seal) error {
	if seal.Nonce.IsZero() {
		return errors.Invalid("verify_seal", "zero nonce")
	}

	digest := NewPuzzle(t.HeaderBytes()).Digest(seal.Nonce)
	if digest != seal.Digest {
		return errors.Invalid("verify_seal", "reported digest does not match nonce").
			WithContext("nonce", seal.Nonce.String())
	}
	if !digest.Below(t.Target) {
		return errors.Invalid("verify_seal", "digest not below target").
			WithContext("digest", digest.String()).
			WithContext("target", t.Target.String())
	}
	return nil
}
