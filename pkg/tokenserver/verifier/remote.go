package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RemoteVerifier validates bearer tokens against a remote introspection
// endpoint that returns a claims document or {"status":"failure",...}.
type RemoteVerifier struct {
	endpoint      string
	requiredScope string
	client        *http.Client
}

// NewRemoteVerifier creates a RemoteVerifier posting to endpoint with the
// given request timeout.
func NewRemoteVerifier(endpoint, requiredScope string, timeout time.Duration) *RemoteVerifier {
	return &RemoteVerifier{
		endpoint:      endpoint,
		requiredScope: requiredScope,
		client:        &http.Client{Timeout: timeout},
	}
}

type remoteVerifyRequest struct {
	Token string `json:"token"`
}

type remoteVerifyResponse struct {
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	FxaUID     string `json:"sub"`
	Generation *int64 `json:"generation"`
	Scope      []string `json:"scope"`
	ClientID   string `json:"client_id"`
}

func (v *RemoteVerifier) Verify(ctx context.Context, bearerToken string) (Principal, error) {
	body, err := json.Marshal(remoteVerifyRequest{Token: bearerToken})
	if err != nil {
		return Principal{}, fmt.Errorf("marshaling verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return Principal{}, ErrServiceUnavailable
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Principal{}, ErrServiceUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Principal{}, ErrServiceUnavailable
	}

	var parsed remoteVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Principal{}, ErrServiceUnavailable
	}

	if parsed.Status == "failure" {
		return Principal{}, wrapRemoteFailure(parsed.Reason)
	}

	if !hasScope(parsed.Scope, v.requiredScope) {
		return Principal{}, newErr(KindInvalidCredentials, "token missing required scope")
	}

	return Principal{
		FxaUID:     parsed.FxaUID,
		Generation: parsed.Generation,
	}, nil
}

func hasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}
