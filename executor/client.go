package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/doubletwisted/comfyfarm/workflow"
)

// ErrWorkflowRejected means the server refused the workflow at queue time.
// The wrapped message carries the server's validation response verbatim.
var ErrWorkflowRejected = errors.New("workflow rejected by server")

// Client talks to one inference server over its HTTP API. Each client
// carries a unique client id so the server can attribute queued prompts.
type Client struct {
	base     string
	clientID string
	http     *http.Client
}

// NewClient returns a client for the server listening on the given port.
func NewClient(port int) *Client {
	return &Client{
		base:     "http://127.0.0.1:" + strconv.Itoa(port),
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientURL returns a client for an explicit base URL, used by tests.
func NewClientURL(base string) *Client {
	return &Client{
		base:     base,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Ready probes the server's prompt endpoint. A 200 response means the server
// is up and accepting work.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/prompt", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// QueuePrompt submits a workflow for execution and returns the server's
// prompt id. A non-200 response is reported as ErrWorkflowRejected with the
// response body preserved.
func (c *Client) QueuePrompt(ctx context.Context, g workflow.Graph) (string, error) {
	body, err := json.Marshal(struct {
		Prompt   workflow.Graph `json:"prompt"`
		ClientID string         `json:"client_id"`
	}{Prompt: g, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("queue prompt: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("queue prompt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrWorkflowRejected, resp.StatusCode, bytes.TrimSpace(data))
	}

	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(data, &queued); err != nil {
		return "", fmt.Errorf("queue prompt: decode response: %w", err)
	}
	if queued.PromptID == "" {
		return "", fmt.Errorf("queue prompt: response has no prompt_id: %s", bytes.TrimSpace(data))
	}
	return queued.PromptID, nil
}

// HistoryEntry is the server's record of one executed prompt.
type HistoryEntry struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// Done reports whether the server has finished with the prompt, successfully
// or not.
func (h *HistoryEntry) Done() bool {
	return h.Status.Completed || h.Status.StatusStr == "error"
}

// Errored reports whether execution ended in an error.
func (h *HistoryEntry) Errored() bool {
	return h.Status.StatusStr == "error"
}

// ErrorDetail digs the execution error message out of the status messages.
// Falls back to the raw status string when no message is recognizable.
func (h *HistoryEntry) ErrorDetail() string {
	for _, raw := range h.Status.Messages {
		var msg []json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || len(msg) < 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			NodeID           string `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(msg[1], &detail); err != nil {
			continue
		}
		if detail.ExceptionMessage != "" {
			if detail.NodeID != "" {
				return fmt.Sprintf("node %s (%s): %s", detail.NodeID, detail.NodeType, detail.ExceptionMessage)
			}
			return detail.ExceptionMessage
		}
	}
	return "execution ended with status " + h.Status.StatusStr
}

// History fetches the history entry for a prompt. Returns (nil, nil) while
// the server has no entry yet, which is normal during execution.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("history: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var entries map[string]*HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("history: decode: %w", err)
	}
	return entries[promptID], nil
}
