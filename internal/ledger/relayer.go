package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/rafflebot/internal/crypto"
)

// ErrRelayFailed is returned by Resolve when the relayer gave up on a task.
var ErrRelayFailed = errors.New("ledger/relayer: relay failed")

// Relayer submits signed transactions through an HTTP relay service. The
// relay answers with a task id; the transaction hash becomes known once the
// relay broadcasts it, which may be several polls later.
type Relayer struct {
	baseURL    string
	chainID    int64
	httpClient *http.Client
	hmacAuth   *crypto.HMACAuth
}

// NewRelayer creates a relay client. auth may be nil for unauthenticated
// relays.
func NewRelayer(baseURL string, chainID int64, auth *crypto.HMACAuth) *Relayer {
	return &Relayer{
		baseURL: baseURL,
		chainID: chainID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		hmacAuth: auth,
	}
}

type relaySubmitResponse struct {
	TaskID string `json:"task_id"`
	TxHash string `json:"tx_hash,omitempty"`
}

type relayTaskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Submit hands a signed transaction to the relay.
func (r *Relayer) Submit(ctx context.Context, tx *types.Transaction) (Submission, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Submission{}, fmt.Errorf("ledger/relayer: encode tx: %w", err)
	}
	body := map[string]any{
		"signed_tx": hexutil.Encode(raw),
		"chain_id":  r.chainID,
	}

	status, respBody, err := r.do(ctx, http.MethodPost, "/v1/relay", body)
	if err != nil {
		return Submission{}, fmt.Errorf("ledger/relayer: submit: %w", err)
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return Submission{}, fmt.Errorf("ledger/relayer: submit failed (HTTP %d): %s", status, string(respBody))
	}

	var resp relaySubmitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Submission{}, fmt.Errorf("ledger/relayer: decode submit response: %w", err)
	}
	if resp.TaskID == "" {
		return Submission{}, errors.New("ledger/relayer: submit response missing task id")
	}

	sub := Submission{ProvisionalID: resp.TaskID}
	if resp.TxHash != "" {
		sub.TxHash = common.HexToHash(resp.TxHash)
		sub.Final = true
	}
	return sub, nil
}

// Resolve maps a task id to the broadcast transaction hash. ok is false
// while the relay has not broadcast yet, including when it does not know the
// task yet.
func (r *Relayer) Resolve(ctx context.Context, taskID string) (common.Hash, bool, error) {
	status, respBody, err := r.do(ctx, http.MethodGet, "/v1/relay/"+url.PathEscape(taskID), nil)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("ledger/relayer: resolve %s: %w", taskID, err)
	}
	switch {
	case status == http.StatusNotFound:
		return common.Hash{}, false, nil
	case status != http.StatusOK:
		return common.Hash{}, false, fmt.Errorf("ledger/relayer: resolve %s (HTTP %d): %s", taskID, status, string(respBody))
	}

	var task relayTaskResponse
	if err := json.Unmarshal(respBody, &task); err != nil {
		return common.Hash{}, false, fmt.Errorf("ledger/relayer: decode task: %w", err)
	}
	if task.State == "failed" || task.State == "cancelled" {
		return common.Hash{}, false, fmt.Errorf("%w: task %s: %s", ErrRelayFailed, taskID, task.Error)
	}
	if task.TxHash == "" {
		return common.Hash{}, false, nil
	}
	return common.HexToHash(task.TxHash), true, nil
}

func (r *Relayer) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.hmacAuth != nil {
		r.hmacAuth.Apply(req, payload)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
