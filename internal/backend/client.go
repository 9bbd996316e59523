// Package backend is the REST client for the dock-scheduling API: event
// delivery keyed by commandId plus the scan and plate lookup endpoints.
// Retry policy lives in the sync engine, not here; the client classifies
// each failure as transient or permanent and reports it once.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dockflow/gatesync/internal/gatesync"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// LookupResult resolves a scan or plate lookup. Exactly one of the fields is
// meaningful: a single match, several candidates the operator must pick from,
// or neither (no match).
type LookupResult struct {
	Match      *gatesync.GateCheckIn  `json:"match,omitempty"`
	Candidates []gatesync.GateCheckIn `json:"candidates,omitempty"`
}

func (r LookupResult) NoMatch() bool {
	return r.Match == nil && len(r.Candidates) == 0
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// DeliverEvent pushes one queued event. The endpoint is idempotent on
// commandId, so redelivery after a lost acknowledgment is safe.
func (c *Client) DeliverEvent(ctx context.Context, event gatesync.QueuedEvent) error {
	body := map[string]any{
		"commandId":     event.CommandID,
		"kind":          event.Kind,
		"targetVisitId": event.TargetVisitID,
		"payload":       event.Payload,
		"createdAt":     event.CreatedAt,
	}
	headers := map[string]string{
		"Idempotency-Key": event.CommandID,
	}
	return c.doJSON(ctx, http.MethodPost, "/v1/gate/events", headers, body, nil)
}

// ResolveScan maps a decoded QR string to a check-in. Multiple candidates are
// an operator-disambiguation step, not an error.
func (c *Client) ResolveScan(ctx context.Context, code string) (LookupResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return LookupResult{}, gatesync.ErrInvalidInput
	}
	var out LookupResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/gate/lookup/scan", nil, map[string]string{"code": code}, &out)
	return out, err
}

// LookupPlate finds check-ins by trailer plate.
func (c *Client) LookupPlate(ctx context.Context, plate string) (LookupResult, error) {
	plate = strings.TrimSpace(plate)
	if plate == "" {
		return LookupResult{}, gatesync.ErrInvalidInput
	}
	q := url.Values{}
	q.Set("plate", plate)
	var out LookupResult
	err := c.doJSON(ctx, http.MethodGet, "/v1/gate/lookup/plate?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gatesync.DeliveryError{Message: err.Error(), Transient: true}
	}
	payloadBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &gatesync.DeliveryError{Message: readErr.Error(), Transient: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payloadBytes) == 0 {
			return nil
		}
		return json.Unmarshal(payloadBytes, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payloadBytes, &errPayload)
	message := errPayload.Message
	if message == "" {
		message = errPayload.Code
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &gatesync.DeliveryError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Transient:  transientStatus(resp.StatusCode),
	}
}

func transientStatus(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

func correlationID() string {
	return fmt.Sprintf("gate_%s", uuid.NewString())
}
