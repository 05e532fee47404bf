package fetcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vaultwatch/internal/retry"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type gqlCall struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// fakeIndexer answers every GraphQL POST with whatever respond returns under "data".
type fakeIndexer struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newFakeIndexer(t *testing.T, respond func(call gqlCall) map[string]any) *fakeIndexer {
	t.Helper()
	f := &fakeIndexer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var call gqlCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": respond(call)})
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newTestGraphQL(url string) *GraphQL {
	return NewGraphQL(GraphQLOptions{
		Endpoint:  url,
		Timeout:   time.Second,
		UserAgent: "test",
		Retry:     retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}, noopLogger())
}

func nodes(items ...map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"nodes": items}
}

// page slices fixture by the first/offset variables of call.
func page(call gqlCall, fixture []map[string]any) []map[string]any {
	first := int(call.Variables["first"].(float64))
	offset := int(call.Variables["offset"].(float64))
	if offset >= len(fixture) {
		return []map[string]any{}
	}
	end := offset + first
	if end > len(fixture) {
		end = len(fixture)
	}
	return fixture[offset:end]
}
