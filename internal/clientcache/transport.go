package clientcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
)

// Gateway paths.
const (
	PathAuth = "/auth"
	PathData = "/data"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 64 << 20
	statusSuccess         = "success"
)

// Transport sends one action envelope and returns the data of a success envelope.
type Transport interface {
	Call(ctx context.Context, path, action string, payload json.RawMessage) (json.RawMessage, error)
}

// RemoteError is an error envelope returned by the server. It unwraps to the apperr sentinel named by Code.
type RemoteError struct {
	Status  int
	Code    string
	Message string
	Reason  string
}

func (e *RemoteError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server rejected request (%s, %s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("server rejected request (%s): %s", e.Code, e.Message)
}

// Unwrap exposes the taxonomy sentinel so errors.Is classifies remote failures like local ones.
func (e *RemoteError) Unwrap() error {
	return apperr.FromCode(e.Code)
}

// HTTPTransport posts envelopes to the gateway over HTTP.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds a transport for baseURL. A nil client gets a 30s timeout client.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type requestEnvelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type responseEnvelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Reason  string          `json:"reason"`
}

// Call implements Transport. Network failures and unreadable responses wrap apperr.ErrTransport;
// well-formed error envelopes become *RemoteError.
func (t *HTTPTransport) Call(ctx context.Context, path, action string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(requestEnvelope{Action: action, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", apperr.ErrValidation, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", apperr.ErrTransport, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := t.client.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", apperr.ErrTransport, action, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", apperr.ErrTransport, err)
	}
	var envelope responseEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Status == "" {
		return nil, fmt.Errorf("%w: unexpected response status %d", apperr.ErrTransport, response.StatusCode)
	}
	if envelope.Status != statusSuccess {
		return nil, &RemoteError{
			Status:  response.StatusCode,
			Code:    envelope.Code,
			Message: envelope.Message,
			Reason:  envelope.Reason,
		}
	}
	return envelope.Data, nil
}

// isTransportFailure reports whether err is a network-level failure worth retrying.
func isTransportFailure(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, apperr.ErrTransport)
}
