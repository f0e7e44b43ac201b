package postgres

import (
	"time"
)

// SealedBlock is a header the node imported
type SealedBlock struct {
	ID          int64     `db:"id"`
	Hash        string    `db:"hash"`
	Parent      string    `db:"parent"`
	Height      int64     `db:"height"`
	TimestampMs int64     `db:"timestamp_ms"`
	TxRoot      string    `db:"tx_root"`
	Beneficiary string    `db:"beneficiary"`
	Target      string    `db:"target"`
	Nonce       string    `db:"nonce"`
	Digest      string    `db:"digest"`
	JobID       string    `db:"job_id"`
	ImportedAt  time.Time `db:"imported_at"`
}

// Rejection is a candidate seal that failed verification or import
type Rejection struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	Height     int64     `db:"height"`
	Parent     string    `db:"parent"`
	Nonce      string    `db:"nonce"`
	Reason     string    `db:"reason"`
	RejectedAt time.Time `db:"rejected_at"`
}

// Schema creates the tables used by the repositories. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS sealed_blocks (
	id           BIGSERIAL PRIMARY KEY,
	hash         TEXT NOT NULL UNIQUE,
	parent       TEXT NOT NULL,
	height       BIGINT NOT NULL,
	timestamp_ms BIGINT NOT NULL,
	tx_root      TEXT NOT NULL,
	beneficiary  TEXT NOT NULL DEFAULT '',
	target       TEXT NOT NULL,
	nonce        TEXT NOT NULL,
	digest       TEXT NOT NULL,
	job_id       TEXT NOT NULL,
	imported_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (parent, height)
);
CREATE INDEX IF NOT EXISTS sealed_blocks_height_idx ON sealed_blocks (height DESC);

CREATE TABLE IF NOT EXISTS rejections (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL,
	height      BIGINT NOT NULL,
	parent      TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	rejected_at TIMESTAMPTZ NOT NULL
);`
