package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ResolveContacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resolve", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))

		var in ResolveInput
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "jane@acme.io", in.Identifiers["email"])
		assert.InDelta(t, 0.7, in.MinConfidence, 1e-9)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches":[{"record":{"id":"rec-1","pipeline_slug":"contacts"},"confidence":0.85,"match_details":{"matched_by":"email"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithAPIKey("secret"))
	out, err := c.ResolveContacts(context.Background(), ResolveInput{
		Identifiers:   map[string]string{"email": "jane@acme.io"},
		MinConfidence: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "rec-1", out.Matches[0].Record.ID)
	assert.Equal(t, "email", out.Matches[0].MatchDetails.MatchedBy)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ResolveContacts(context.Background(), ResolveInput{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestNoop(t *testing.T) {
	out, err := Noop{}.ResolveContacts(context.Background(), ResolveInput{})
	require.NoError(t, err)
	assert.Empty(t, out.Matches)
}
