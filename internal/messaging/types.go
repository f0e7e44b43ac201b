package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/registry"
	"github.com/bardlex/qpow/pkg/errors"
)

// BlockImportedMessage announces a sealed block accepted by the chain
type BlockImportedMessage struct {
	JobID       string    `json:"job_id"`
	Hash        string    `json:"hash"`
	Parent      string    `json:"parent"`
	Height      uint64    `json:"height"`
	TimestampMs uint64    `json:"timestamp_ms"`
	Beneficiary string    `json:"beneficiary"`
	Target      string    `json:"target"`
	Nonce       string    `json:"nonce"`
	Digest      string    `json:"digest"`
	ImportedAt  time.Time `json:"imported_at"`
}

// CandidateRejectedMessage reports a seal that failed verification or import
type CandidateRejectedMessage struct {
	JobID      string    `json:"job_id"`
	Parent     string    `json:"parent"`
	Height     uint64    `json:"height"`
	Nonce      string    `json:"nonce"`
	Reason     string    `json:"reason"`
	ReasonType string    `json:"reason_type"`
	RejectedAt time.Time `json:"rejected_at"`
}

// JobTransitionMessage mirrors one registry status change
type JobTransitionMessage struct {
	JobID  string    `json:"job_id"`
	Parent string    `json:"parent"`
	Height uint64    `json:"height"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// MinerAvailabilityMessage is sent when the node starts or stops mining
type MinerAvailabilityMessage struct {
	Mining   bool      `json:"mining"`
	Strategy string    `json:"strategy"`
	At       time.Time `json:"at"`
}

// NewBlockImportedMessage builds the event for an imported header
func NewBlockImportedMessage(jobID string, h *block.Header, now time.Time) *BlockImportedMessage {
	return &BlockImportedMessage{
		JobID:       jobID,
		Hash:        h.Hash().String(),
		Parent:      h.Parent.String(),
		Height:      h.Height,
		TimestampMs: h.Timestamp,
		Beneficiary: h.Beneficiary,
		Target:      h.Target.String(),
		Nonce:       h.Seal.Nonce.String(),
		Digest:      h.Seal.Digest.String(),
		ImportedAt:  now,
	}
}

// NewCandidateRejectedMessage builds the event for a rejected candidate
func NewCandidateRejectedMessage(jobID string, h *block.Header, reason error, now time.Time) *CandidateRejectedMessage {
	return &CandidateRejectedMessage{
		JobID:      jobID,
		Parent:     h.Parent.String(),
		Height:     h.Height,
		Nonce:      h.Seal.Nonce.String(),
		Reason:     reason.Error(),
		ReasonType: string(errors.TypeOf(reason)),
		RejectedAt: now,
	}
}

// NewJobTransitionMessage builds the event for a registry transition
func NewJobTransitionMessage(job registry.Job, from registry.Status) *JobTransitionMessage {
	return &JobTransitionMessage{
		JobID:  job.ID,
		Parent: job.Template.Parent.String(),
		Height: job.Template.Height,
		From:   from.String(),
		To:     job.Status.String(),
		At:     job.UpdatedAt,
	}
}

// ToStruct converts a JSON-tagged message into a protobuf Struct so it can
// travel through PublishProto.
func ToStruct(msg any) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten event: %w", err)
	}
	return structpb.NewStruct(fields)
}

// FromStruct decodes a consumed Struct back into a typed message
func FromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}
	return nil
}
