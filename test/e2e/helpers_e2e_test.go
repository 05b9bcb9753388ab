//go:build e2e

package e2e_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseURL = getenv("ORCHESTRATOR_BASE_URL", "http://localhost:8080")

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// waitForAppReady polls /healthz until the API answers or the deadline hits.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("app not ready at %s within %s", baseURL, timeout)
}

// postJSON posts payload and decodes the response body. Retries briefly on
// 429 so the suite survives the API rate limiter.
func postJSON(t *testing.T, client *http.Client, path string, payload any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	var lastStatus int
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		var out map[string]any
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		require.NoError(t, err)
		return resp.StatusCode, out
	}
	t.Fatalf("POST %s kept returning %d", path, lastStatus)
	return lastStatus, nil
}

// firstResult extracts items[0] from a command-plane response.
func firstResult(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	items, ok := body["items"].([]any)
	require.True(t, ok, "items missing: %#v", body)
	require.NotEmpty(t, items)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	return item
}

// bindingState reads one binding's state via the status endpoint.
func bindingState(t *testing.T, client *http.Client, bindingID string) string {
	t.Helper()
	st, body := postJSON(t, client, "/v1/orchestration/status", map[string]any{
		"binding_ids": []string{bindingID},
	})
	require.Equal(t, http.StatusOK, st)
	items, ok := body["items"].([]any)
	require.True(t, ok, "items missing: %#v", body)
	require.NotEmpty(t, items)
	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	state, _ := item["state"].(string)
	return state
}

// waitForState polls status until the binding reports want.
func waitForState(t *testing.T, client *http.Client, bindingID, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		last = bindingState(t, client, bindingID)
		if last == want {
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
	t.Fatalf("binding %s state %q, want %q within %s", bindingID, last, want, timeout)
}
