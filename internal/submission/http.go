package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/peace-maker/anthill/internal/config"
	"github.com/peace-maker/anthill/internal/types"
)

// TokenHeader carries the team token on every request.
const TokenHeader = "X-Team-Token"

const maxResponseBytes = 8 << 20

// defaultAliases covers the status words common scoring systems answer with.
var defaultAliases = map[string]types.Verdict{
	"accepted":  types.VerdictValid,
	"ok":        types.VerdictValid,
	"duplicate": types.VerdictAlreadySubmitted,
	"dup":       types.VerdictAlreadySubmitted,
	"resubmit":  types.VerdictAlreadySubmitted,
	"denied":    types.VerdictInvalid,
	"rejected":  types.VerdictInvalid,
	"old":       types.VerdictExpired,
	"too_old":   types.VerdictExpired,
	"own_flag":  types.VerdictOwn,
	"nop":       types.VerdictNOPTeam,
}

// HTTPClient submits batches as a JSON array of flags via PUT and expects a
// JSON array of {flag, status, msg} objects back.
type HTTPClient struct {
	url     string
	token   string
	http    *http.Client
	aliases map[string]types.Verdict
	log     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

type result struct {
	Flag   string `json:"flag"`
	Status string `json:"status"`
	Msg    string `json:"msg,omitempty"`
}

// NewHTTPClient builds a client from the submission settings. Configured
// aliases extend and override the built-in ones.
func NewHTTPClient(cfg config.Submission, log *slog.Logger) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("submission.url is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	aliases := make(map[string]types.Verdict, len(defaultAliases)+len(cfg.StatusAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range cfg.StatusAliases {
		verdict := types.Verdict(strings.ToLower(strings.TrimSpace(v)))
		if !verdict.IsValid() {
			return nil, fmt.Errorf("submission.status_aliases: %q maps to unknown verdict %q", k, v)
		}
		aliases[normalizeStatus(k)] = verdict
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		url:     cfg.URL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		aliases: aliases,
		log:     log,
	}, nil
}

// Submit sends flags and maps each answer back onto its batch position.
// Flags the endpoint does not mention, or answers with an unknown status,
// get an Error verdict.
func (c *HTTPClient) Submit(ctx context.Context, flags []string) ([]types.Verdict, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(flags)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("submit to %s: %w", c.url, err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Failure{Retryable: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		return nil, &Failure{
			Retryable:  retryable,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("endpoint answered %s: %s", resp.Status, truncate(string(raw), 200)),
		}
	}

	var results []result
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, &Failure{Retryable: true, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	byFlag := make(map[string]result, len(results))
	for _, r := range results {
		byFlag[r.Flag] = r
	}
	verdicts := make([]types.Verdict, len(flags))
	for i, flag := range flags {
		r, ok := byFlag[flag]
		if !ok {
			c.log.Warn("endpoint did not answer for flag", "flag", flag)
			verdicts[i] = types.VerdictError
			continue
		}
		verdicts[i] = c.verdictFor(r)
	}
	return verdicts, nil
}

func (c *HTTPClient) verdictFor(r result) types.Verdict {
	status := normalizeStatus(r.Status)
	if v := types.Verdict(status); v.IsValid() {
		return v
	}
	if v, ok := c.aliases[status]; ok {
		return v
	}
	c.log.Warn("unknown submission status", "flag", r.Flag, "status", r.Status, "msg", r.Msg)
	return types.VerdictError
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
