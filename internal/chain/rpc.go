package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"golang.org/x/crypto/sha3"

	"github.com/bardlex/qpow/internal/block"
	"github.com/bardlex/qpow/internal/difficulty"
	"github.com/bardlex/qpow/pkg/circuit"
	"github.com/bardlex/qpow/pkg/errors"
	"github.com/bardlex/qpow/pkg/retry"
)

// RPCChain talks to the chain daemon's JSON-RPC API. Standard calls go
// through btcd's typed client; the chain-specific ones use raw requests.
type RPCChain struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewRPCChain creates a client for the daemon at host:port over plain HTTP
// POST.
func NewRPCChain(host string, port int, username, password string) (*RPCChain, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", host, port),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "rpc_client_creation",
			"failed to create chain RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	return &RPCChain{
		client: client,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "chain_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
		}),
		retryConfig: retry.NetworkConfig(),
	}, nil
}

// Close shuts the client down.
func (c *RPCChain) Close() {
	c.client.Shutdown()
}

// Ping checks the daemon is reachable.
func (c *RPCChain) Ping(ctx context.Context) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			if err := c.client.PingAsync().Receive(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "ping",
					"chain daemon connectivity check failed")
			}
			return nil
		})
	})
}

// BestTip implements View. The height is read from the tip's own header so
// hash and height always agree.
func (c *RPCChain) BestTip(ctx context.Context) (Tip, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (Tip, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (Tip, error) {
			hash, err := c.client.GetBestBlockHashAsync().Receive()
			if err != nil {
				return Tip{}, errors.Wrap(err, errors.ErrorTypeChain, "get_best_block_hash",
					"failed to retrieve best block hash")
			}
			header, err := c.client.GetBlockHeaderVerboseAsync(hash).Receive()
			if err != nil {
				return Tip{}, errors.Wrap(err, errors.ErrorTypeChain, "get_block_header",
					"failed to retrieve tip header").
					WithContext("block_hash", hash.String())
			}
			if header.Height < 0 {
				return Tip{}, errors.Newf(errors.ErrorTypeChain, "get_block_header", "negative height %d", header.Height)
			}
			return Tip{Hash: *hash, Height: uint64(header.Height)}, nil
		})
	})
}

type windowSample struct {
	Timestamp uint64       `json:"timestamp"`
	Target    block.Target `json:"target"`
}

// Window implements View using the daemon's getdifficultywindow call.
func (c *RPCChain) Window(ctx context.Context, parent chainhash.Hash, depth int) (difficulty.Window, error) {
	params, err := marshalParams(parent.String(), depth)
	if err != nil {
		return nil, err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (difficulty.Window, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (difficulty.Window, error) {
			raw, err := c.client.RawRequest("getdifficultywindow", params)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "get_difficulty_window",
					"failed to retrieve difficulty window").
					WithContext("parent", parent.String())
			}

			var samples []windowSample
			if err := json.Unmarshal(raw, &samples); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeValidation, "get_difficulty_window",
					"malformed difficulty window")
			}

			w := make(difficulty.Window, 0, len(samples))
			for _, s := range samples {
				w = append(w, difficulty.Sample{Timestamp: s.Timestamp, Target: s.Target})
			}
			return w, nil
		})
	})
}

// Template implements TemplateSource on top of getblocktemplate. The
// transaction commitment is the merkle root of a beneficiary coinbase
// followed by the template's transactions.
func (c *RPCChain) Template(ctx context.Context, beneficiary string) (block.Template, error) {
	result, err := circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*btcjson.GetBlockTemplateResult, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*btcjson.GetBlockTemplateResult, error) {
			req := &btcjson.TemplateRequest{Mode: "template"}
			tmpl, err := c.client.GetBlockTemplateAsync(req).Receive()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeChain, "get_block_template",
					"failed to retrieve block template")
			}
			return tmpl, nil
		})
	})
	if err != nil {
		return block.Template{}, err
	}
	return templateFromResult(result, beneficiary)
}

func templateFromResult(r *btcjson.GetBlockTemplateResult, beneficiary string) (block.Template, error) {
	parent, err := chainhash.NewHashFromStr(r.PreviousHash)
	if err != nil {
		return block.Template{}, errors.Wrap(err, errors.ErrorTypeValidation, "get_block_template",
			"invalid previous block hash").
			WithContext("previousblockhash", r.PreviousHash)
	}
	if r.Height <= 0 || r.CurTime <= 0 {
		return block.Template{}, errors.New(errors.ErrorTypeValidation, "get_block_template",
			"template without height or time")
	}

	var height [8]byte
	binary.BigEndian.PutUint64(height[:], uint64(r.Height))
	txs := make([]chainhash.Hash, 0, len(r.Transactions)+1)
	txs = append(txs, chainhash.Hash(sha3.Sum256(append(height[:], beneficiary...))))
	for _, tx := range r.Transactions {
		h, err := chainhash.NewHashFromStr(tx.Hash)
		if err != nil {
			return block.Template{}, errors.Wrap(err, errors.ErrorTypeValidation, "get_block_template",
				"invalid transaction hash").
				WithContext("hash", tx.Hash)
		}
		txs = append(txs, *h)
	}

	return block.Template{
		Parent:      *parent,
		Height:      uint64(r.Height),
		Timestamp:   uint64(r.CurTime) * 1000,
		TxRoot:      MerkleRoot(txs),
		Beneficiary: beneficiary,
	}, nil
}

// Import implements Importer via submitblock. Only one attempt is retried:
// a sealed block is time-critical and a rejection is final.
func (c *RPCChain) Import(ctx context.Context, h *block.Header) error {
	params, err := marshalParams(hex.EncodeToString(h.Bytes()))
	if err != nil {
		return err
	}

	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			raw, err := c.client.RawRequest("submitblock", params)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeChain, "submit_block",
					"failed to submit block").
					WithContext("block_hash", h.Hash().String())
			}
			// null on success, otherwise a rejection reason
			var reason *string
			if err := json.Unmarshal(raw, &reason); err == nil && reason != nil && *reason != "" {
				return errors.New(errors.ErrorTypeChain, "submit_block", "block rejected: "+*reason).
					WithContext("block_hash", h.Hash().String())
			}
			return nil
		})
	})
}

func marshalParams(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "marshal_params", "cannot encode RPC parameter")
		}
		out = append(out, b)
	}
	return out, nil
}
