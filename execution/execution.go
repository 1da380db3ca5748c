// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package execution runs a document's source in the remote Judge0
// sandbox and condenses the submission result into one output string.
package execution

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/pairspace/lib/netutil"
)

// KeyEnvVar names the environment variable holding the sandbox API key.
const KeyEnvVar = "JUDGE0_KEY"

// ErrUnsupportedLanguage is returned before any request is made.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// DefaultLanguages maps document language ids to Judge0 language ids.
var DefaultLanguages = map[string]int{
	"javascript": 63,
	"python":     71,
	"java":       62,
	"cpp":        54,
	"typescript": 74,
	"csharp":     51,
	"php":        68,
	"swift":      83,
	"kotlin":     78,
	"dart":       92,
	"go":         60,
	"ruby":       72,
	"scala":      81,
	"rust":       73,
	"erlang":     58,
	"elixir":     57,
}

// Result is a condensed submission result.
type Result struct {
	// Output is stdout, else "Error: " + stderr, else
	// "Compilation Error: " + compile output, else "No output
	// generated".
	Output string
	Status string
	Time   time.Duration
	// MemoryKB is peak memory in kilobytes.
	MemoryKB int
	// ExitCode is nil when the program never ran.
	ExitCode *int
}

// Client submits programs to Judge0.
type Client struct {
	// BaseURL is the Judge0 API root.
	BaseURL string
	// Host is sent as X-RapidAPI-Host when APIKey is set.
	Host   string
	APIKey string

	// Languages overrides DefaultLanguages.
	Languages  map[string]int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin"`
}

type submissionResult struct {
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Status        *struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Time     *string `json:"time"`
	Memory   *int    `json:"memory"`
	ExitCode *int    `json:"exit_code"`
}

// Supported lists the language ids the client accepts, sorted.
func (c *Client) Supported() []string {
	languages := c.languages()
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Client) languages() map[string]int {
	if len(c.Languages) > 0 {
		return c.Languages
	}
	return DefaultLanguages
}

// Execute runs source as language with stdin and waits for the result.
func (c *Client) Execute(ctx context.Context, source, language, stdin string) (Result, error) {
	languageID, ok := c.languages()[language]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	if c.BaseURL == "" {
		return Result{}, errors.New("sandbox URL is not configured")
	}

	body, err := json.Marshal(submission{
		SourceCode: base64.StdEncoding.EncodeToString([]byte(source)),
		LanguageID: languageID,
		Stdin:      base64.StdEncoding.EncodeToString([]byte(stdin)),
	})
	if err != nil {
		return Result{}, fmt.Errorf("encoding submission: %w", err)
	}
	endpoint := strings.TrimSuffix(c.BaseURL, "/") + "/submissions?base64_encoded=true&wait=true"
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building submission request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		request.Header.Set("X-RapidAPI-Key", c.APIKey)
		if c.Host != "" {
			request.Header.Set("X-RapidAPI-Host", c.Host)
		}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	response, err := client.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("submitting %s program: %w", language, err)
	}
	defer response.Body.Close()
	if err := netutil.CheckResponse("sandbox", response); err != nil {
		return Result{}, err
	}

	var raw submissionResult
	if err := netutil.DecodeResponse(response.Body, &raw); err != nil {
		return Result{}, err
	}
	result, err := condense(raw)
	if err != nil {
		return Result{}, err
	}
	if c.Logger != nil {
		c.Logger.Info("program executed",
			"language", language,
			"status", result.Status,
			"time", result.Time,
		)
	}
	return result, nil
}

func condense(raw submissionResult) (Result, error) {
	stdout, err := decodeField("stdout", raw.Stdout)
	if err != nil {
		return Result{}, err
	}
	stderr, err := decodeField("stderr", raw.Stderr)
	if err != nil {
		return Result{}, err
	}
	compileOutput, err := decodeField("compile_output", raw.CompileOutput)
	if err != nil {
		return Result{}, err
	}

	result := Result{Status: "Unknown", ExitCode: raw.ExitCode}
	switch {
	case stdout != "":
		result.Output = stdout
	case stderr != "":
		result.Output = "Error: " + stderr
	case compileOutput != "":
		result.Output = "Compilation Error: " + compileOutput
	default:
		result.Output = "No output generated"
	}
	if raw.Status != nil && raw.Status.Description != "" {
		result.Status = raw.Status.Description
	}
	if raw.Time != nil {
		seconds, err := strconv.ParseFloat(*raw.Time, 64)
		if err != nil {
			return Result{}, fmt.Errorf("parsing execution time %q: %w", *raw.Time, err)
		}
		result.Time = time.Duration(seconds * float64(time.Second))
	}
	if raw.Memory != nil {
		result.MemoryKB = *raw.Memory
	}
	return result, nil
}

// decodeField decodes a base64 result field. Judge0 wraps encoded
// output at 60 columns.
func decodeField(name string, value *string) (string, error) {
	if value == nil || *value == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(*value, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", name, err)
	}
	return string(decoded), nil
}
