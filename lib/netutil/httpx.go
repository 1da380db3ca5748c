// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP and connection helpers shared by the
// pairspace collaborator clients (token service, execution sandbox)
// and the sync transports.
//
// Every JSON response read goes through [DecodeResponse] or
// [ErrorBody], which bound the read at MaxResponseSize.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseSize bounds collaborator response bodies. The largest
// legitimate one is a sandbox result carrying program output.
const MaxResponseSize int64 = 16 << 20

// StatusError is a non-2xx response from a JSON collaborator.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether the status suggests retrying later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CheckResponse returns a *StatusError for non-2xx responses. The body
// is consumed in that case.
func CheckResponse(service string, response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		Service:    service,
		StatusCode: response.StatusCode,
		Body:       ErrorBody(response.Body),
	}
}

// DecodeResponse reads a bounded JSON body into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// ErrorBody reads an error response body for diagnostics. Read errors
// are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
