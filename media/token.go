// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/pairspace/lib/netutil"
)

// TokenKeyEnvVar names the environment variable holding the token
// service API key.
const TokenKeyEnvVar = "PAIRSPACE_TOKEN_KEY"

// TokenClient fetches conference credentials from the token service:
//
//	GET <BaseURL>/get-token?roomName=<room>&participantName=<participant>
//	→ {"success": true, "token": "..."}
type TokenClient struct {
	BaseURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey     string
	HTTPClient *http.Client
}

type tokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Error   string `json:"error,omitempty"`
}

// FetchToken implements TokenSource.
func (c *TokenClient) FetchToken(ctx context.Context, room, participant string) (string, error) {
	if c.BaseURL == "" {
		return "", errors.New("token service URL is not configured")
	}
	query := url.Values{}
	query.Set("roomName", room)
	query.Set("participantName", participant)
	endpoint := strings.TrimSuffix(c.BaseURL, "/") + "/get-token?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("requesting conference token: %w", err)
	}
	defer response.Body.Close()
	if err := netutil.CheckResponse("token service", response); err != nil {
		return "", err
	}

	var body tokenResponse
	if err := netutil.DecodeResponse(response.Body, &body); err != nil {
		return "", err
	}
	if !body.Success || body.Token == "" {
		if body.Error != "" {
			return "", fmt.Errorf("token service refused %s in %s: %s", participant, room, body.Error)
		}
		return "", fmt.Errorf("token service returned no token for %s in %s", participant, room)
	}
	return body.Token, nil
}
