package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jetspiking/RenderOnline/internal/store"
)

// HTTPClient implements Client over plain HTTP. One instance is shared by
// the scheduler and the intake handlers; the underlying http.Client pools
// connections across machines.
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPClient creates a worker agent client with a per-call timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func baseURL(machine store.Machine) string {
	return fmt.Sprintf("http://%s:%d", machine.IPAddress, machine.Port)
}

func (c *HTTPClient) Status(ctx context.Context, machine store.Machine) (*AgentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(machine)+"/hpc/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: status machine %d: %w", machine.MachineID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatcher: status machine %d: unexpected status %d", machine.MachineID, resp.StatusCode)
	}

	var status AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("dispatcher: status machine %d: malformed response: %w", machine.MachineID, err)
	}
	return &status, nil
}

func (c *HTTPClient) Start(ctx context.Context, machine store.Machine, startReq StartRequest) (*AgentResult, error) {
	return c.post(ctx, machine, "/hpc/start", startReq)
}

func (c *HTTPClient) Stop(ctx context.Context, machine store.Machine, taskID int64) (*AgentResult, error) {
	return c.post(ctx, machine, "/hpc/stop", map[string]int64{"taskId": taskID})
}

func (c *HTTPClient) post(ctx context.Context, machine store.Machine, path string, body any) (*AgentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(machine)+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %s machine %d: %w", path, machine.MachineID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatcher: %s machine %d: unexpected status %d", path, machine.MachineID, resp.StatusCode)
	}

	var result AgentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("dispatcher: %s machine %d: malformed response: %w", path, machine.MachineID, err)
	}
	return &result, nil
}

var _ Client = (*HTTPClient)(nil)
