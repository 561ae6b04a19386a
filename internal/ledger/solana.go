package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// A SOL is 10^9 lamports.
const lamportDecimals = 9

// SolanaClient reads deposits from a Solana JSON-RPC node. Each
// watched address is single-use, so every positive balance change on
// it counts as an inbound transfer.
type SolanaClient struct {
	rpcURL string
	http   *http.Client
	// sigLimit bounds how many signatures are inspected per address.
	sigLimit int
}

func NewSolanaClient(rpcURL string) *SolanaClient {
	return &SolanaClient{
		rpcURL:   rpcURL,
		http:     &http.Client{Timeout: 15 * time.Second},
		sigLimit: 50,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *SolanaClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	return json.Unmarshal(envelope.Result, result)
}

type signatureInfo struct {
	Signature string  `json:"signature"`
	BlockTime *int64  `json:"blockTime"`
	Err       any     `json:"err"`
	Memo      *string `json:"memo"`
}

type transactionResult struct {
	Meta *struct {
		Err          any      `json:"err"`
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// Transfers inspects recent transactions touching the address and
// reports every positive balance delta as an inbound transfer, with
// the fee payer as the sender.
func (c *SolanaClient) Transfers(ctx context.Context, address string) ([]Transfer, error) {
	var sigs []signatureInfo
	err := c.call(ctx, "getSignaturesForAddress",
		[]any{address, map[string]any{"limit": c.sigLimit}}, &sigs)
	if err != nil {
		return nil, err
	}

	var out []Transfer
	// Results come newest first; walk backwards for oldest-first order.
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err != nil {
			continue
		}

		var tx transactionResult
		err := c.call(ctx, "getTransaction",
			[]any{sig.Signature, map[string]any{
				"encoding":                       "json",
				"maxSupportedTransactionVersion": 0,
			}}, &tx)
		if err != nil {
			return nil, err
		}
		if tx.Meta == nil || tx.Meta.Err != nil {
			continue
		}

		idx := -1
		for i, key := range tx.Transaction.Message.AccountKeys {
			if key == address {
				idx = i
				break
			}
		}
		if idx < 0 || idx >= len(tx.Meta.PreBalances) || idx >= len(tx.Meta.PostBalances) {
			continue
		}

		pre := tx.Meta.PreBalances[idx]
		post := tx.Meta.PostBalances[idx]
		if post <= pre {
			continue
		}

		at := time.Time{}
		if sig.BlockTime != nil {
			at = time.Unix(*sig.BlockTime, 0).UTC()
		}

		sender := ""
		if len(tx.Transaction.Message.AccountKeys) > 0 {
			sender = tx.Transaction.Message.AccountKeys[0]
		}

		out = append(out, Transfer{
			From:   sender,
			Amount: lamportsToSol(post - pre),
			At:     at,
		})
	}
	return out, nil
}

func lamportsToSol(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-lamportDecimals)
}

// KeypairSource mints a fresh ed25519 keypair per payment target.
// Addresses are base58-encoded public keys and are never reused.
type KeypairSource struct{}

func NewKeypairSource() KeypairSource {
	return KeypairSource{}
}

func (KeypairSource) NewWallet(_ context.Context) (Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Wallet{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Wallet{
		Address:   base58.Encode(pub),
		SecretKey: base58.Encode(priv),
	}, nil
}
