// Package minerapi is the HTTP face of the miner service: the JSON wire
// types, the server that exposes a mining.Service, and the client the node
// uses to reach a remote one.
package minerapi

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/mining"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// StatusAccepted is returned by a successful POST /mine.
const StatusAccepted = "accepted"

// StatusError marks an error body.
const StatusError = "error"

// MineRequest is the body of POST /mine. Binary fields are hex without a
// 0x prefix; target and nonces are fixed 64-byte words.
type MineRequest struct {
	JobID           string       `json:"job_id,omitempty"`
	ParentReference string       `json:"parent_reference"`
	Height          uint64       `json:"height"`
	Target          block.Target `json:"target"`
	HeaderBytes     string       `json:"header_bytes"`
	NonceStart      *block.Nonce `json:"nonce_start,omitempty"`
	NonceEnd        *block.Nonce `json:"nonce_end,omitempty"`
}

// NewMineRequest builds the request for mining t under jobID.
func NewMineRequest(jobID string, t *block.Template) MineRequest {
	return MineRequest{
		JobID:           jobID,
		ParentReference: t.Parent.String(),
		Height:          t.Height,
		Target:          t.Target,
		HeaderBytes:     hex.EncodeToString(t.HeaderBytes()),
	}
}

// ToRequest decodes the wire form into a service request.
func (r *MineRequest) ToRequest() (mining.Request, error) {
	parent, err := chainhash.NewHashFromStr(r.ParentReference)
	if err != nil {
		return mining.Request{}, fmt.Errorf("parent_reference: %w", err)
	}
	header, err := hex.DecodeString(r.HeaderBytes)
	if err != nil {
		return mining.Request{}, fmt.Errorf("header_bytes: %w", err)
	}
	if len(header) == 0 {
		return mining.Request{}, fmt.Errorf("header_bytes is required")
	}
	if r.Target.IsZero() {
		return mining.Request{}, fmt.Errorf("target must be positive")
	}

	req := mining.Request{
		JobID:       r.JobID,
		Parent:      *parent,
		Height:      r.Height,
		Target:      r.Target,
		HeaderBytes: header,
	}
	if r.NonceStart != nil {
		req.NonceStart = r.NonceStart.Big()
	}
	if r.NonceEnd != nil {
		req.NonceEnd = r.NonceEnd.Big()
	}
	if req.NonceStart != nil && req.NonceEnd != nil && req.NonceStart.Cmp(req.NonceEnd) > 0 {
		return mining.Request{}, fmt.Errorf("nonce_start above nonce_end")
	}
	return req, nil
}

// MineResponse answers POST /mine.
type MineResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ResultResponse answers GET /result/{job_id}. Nonce and digest are set only
// when the status is found. ElapsedTime is in seconds.
type ResultResponse struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	Nonce       string  `json:"nonce,omitempty"`
	Digest      string  `json:"digest,omitempty"`
	HashCount   uint64  `json:"hash_count"`
	ElapsedTime float64 `json:"elapsed_time"`
}

func resultFromStatus(st mining.Status) ResultResponse {
	resp := ResultResponse{
		JobID:       st.JobID,
		Status:      string(st.State),
		HashCount:   st.HashCount,
		ElapsedTime: st.Elapsed.Seconds(),
	}
	if st.Seal != nil {
		resp.Nonce = st.Seal.Nonce.String()
		resp.Digest = st.Seal.Digest.String()
	}
	return resp
}

// Seal decodes the reported solution. It returns nil when the job has not
// been found.
func (r *ResultResponse) Seal() (*block.Seal, error) {
	if mining.State(r.Status) != mining.StateFound {
		return nil, nil
	}
	nonce, err := block.ParseNonce(r.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	digest, err := block.ParseDigest(r.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &block.Seal{Nonce: nonce, Digest: digest}, nil
}

// Elapsed returns ElapsedTime as a duration.
func (r *ResultResponse) Elapsed() time.Duration {
	return time.Duration(r.ElapsedTime * float64(time.Second))
}

// CancelResponse answers POST /cancel/{job_id}.
type CancelResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthResponse answers GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	Workers        int    `json:"workers"`
	ActiveSearches int64  `json:"active_searches"`
	ActiveJobs     int    `json:"active_jobs"`
	TotalHashes    uint64 `json:"total_hashes"`
}
