package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAttributes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/attributes/generate", r.URL.Path)
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		var req AttributeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "BASEL III", req.Regulation)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"attributes": []Attribute{
				{Name: "exposure_amount", DataType: "decimal", Mandatory: true},
				{Name: "counterparty_id", DataType: "string"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "sekrit", time.Second)
	attrs, err := client.GenerateAttributes(context.Background(), AttributeRequest{
		ReportID:   7,
		Regulation: "BASEL III",
		Section:    "credit risk exposures are reported gross of provisions",
	})
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	require.Equal(t, "exposure_amount", attrs[0].Name)
	require.True(t, attrs[0].Mandatory)
}

func TestSuggestMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/mappings/suggest", r.URL.Path)
		_ = json.NewEncoder(w).Encode(MappingSuggestion{Column: "cust_ref", Confidence: 0.92})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	sug, err := client.SuggestMapping(context.Background(), MappingRequest{
		ElementName: "customer reference",
		Candidates:  []string{"cust_ref", "cust_name"},
	})
	require.NoError(t, err)
	require.Equal(t, "cust_ref", sug.Column)
	require.InDelta(t, 0.92, sug.Confidence, 0.001)
}

func TestUnauthorizedIsSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "expired", time.Second)
	_, err := client.SuggestMapping(context.Background(), MappingRequest{ElementName: "x"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestServerErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", time.Second)
	_, err := client.GenerateAttributes(context.Background(), AttributeRequest{Section: "s"})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized)
	require.Contains(t, err.Error(), "502")
}
