package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"vaultwatch/internal/metrics"
	"vaultwatch/internal/retry"
	"vaultwatch/internal/vault"
)

var jsonx = jsoniter.ConfigCompatibleWithStandardLibrary

// GraphQLOptions parameterise the indexer transport.
type GraphQLOptions struct {
	Endpoint  string
	Timeout   time.Duration
	UserAgent string
	Retry     retry.Config
}

// GraphQL posts queries to a SubQuery endpoint.
type GraphQL struct {
	opts     GraphQLOptions
	logger   zerolog.Logger
	client   *http.Client
	endpoint string
}

// NewGraphQL constructs an indexer transport.
func NewGraphQL(opts GraphQLOptions, logger zerolog.Logger) *GraphQL {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &GraphQL{
		opts:     opts,
		logger:   logger.With().Str("component", "graphql").Str("endpoint", opts.Endpoint).Logger(),
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   jsoniter.RawMessage `json:"data"`
	Errors []graphQLError      `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// Query runs query with vars and decodes the "data" member into out. Transient failures are retried
// according to the retry options; every attempt carries its own timeout.
func (g *GraphQL) Query(ctx context.Context, query string, vars map[string]any, out any) error {
	if g.endpoint == "" {
		return errors.New("indexer endpoint not configured")
	}

	body, err := jsonx.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	cfg := g.opts.Retry
	cfg.RetryIf = vault.IsTransient
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("indexer request failed; retrying")
	}

	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		err := g.do(ctx, body, out)
		metrics.SourceRequests.WithLabelValues(vault.Kind(err)).Inc()
		return err
	})
}

func (g *GraphQL) do(ctx context.Context, body []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return vault.Transient(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return vault.Transient(fmt.Errorf("read indexer response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := parseHTTPError(resp.StatusCode, payload)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return vault.Transient(httpErr)
		}
		return httpErr
	}

	var envelope graphQLResponse
	if err := jsonx.Unmarshal(payload, &envelope); err != nil {
		return vault.Malformed("decode graphql envelope: %v", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return vault.Malformed("graphql response without data")
	}
	if err := jsonx.Unmarshal(envelope.Data, out); err != nil {
		return vault.Malformed("decode graphql data: %v", err)
	}
	return nil
}

// Close releases idle keep-alive connections.
func (g *GraphQL) Close() {
	g.client.CloseIdleConnections()
}

func parseHTTPError(status int, payload []byte) error {
	var envelope graphQLResponse
	if err := jsonx.Unmarshal(payload, &envelope); err == nil && len(envelope.Errors) > 0 && envelope.Errors[0].Message != "" {
		return fmt.Errorf("indexer error (%d): %s", status, envelope.Errors[0].Message)
	}
	if len(payload) > 0 {
		text := strings.TrimSpace(string(payload))
		if len(text) > 256 {
			text = text[:256]
		}
		return fmt.Errorf("indexer error (%d): %s", status, text)
	}
	return fmt.Errorf("indexer error (%d)", status)
}
