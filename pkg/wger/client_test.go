package wger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/tollgate/pkg/config"
)

func testConfig(baseURL string) config.SyncConfig {
	cfg := config.Default().Sync
	cfg.BaseURL = baseURL
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestFetchPage(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/api/v2/exerciseinfo/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"next":"http://next/page","results":[
			{"id":7,"category":{"id":1,"name":"Cardio"},
			 "translations":[{"name":"Run","language":2},{"name":"Laufen","language":"de"}]}
		]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL + "/api/v2/")
	cfg.APIKey = "secret"
	c := New(cfg)

	first := c.FirstPage()
	assert.Equal(t, srv.URL+"/api/v2/exerciseinfo/?limit=100&language=2", first)

	page, err := c.FetchPage(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, "Token secret", gotAuth)
	assert.Equal(t, "limit=100&language=2", gotQuery)
	assert.Equal(t, "http://next/page", page.Next)
	require.Len(t, page.Results, 1)
	ex := page.Results[0]
	assert.Equal(t, int64(7), ex.ID)
	assert.Equal(t, "Cardio", ex.Category.Name)
	assert.Equal(t, Language("2"), ex.Translations[0].Language)
	assert.Equal(t, Language("de"), ex.Translations[1].Language)
}

func TestFetchPageLastPageAndNoKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"next": nil, "results": []any{}})
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	page, err := c.FetchPage(context.Background(), c.FirstPage())
	require.NoError(t, err)
	assert.Empty(t, page.Next)
	assert.Empty(t, page.Results)
}

func TestFetchPageStatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantWait   time.Duration
	}{
		{"rate limited with header", http.StatusTooManyRequests, "3", 3 * time.Second},
		{"rate limited bad header", http.StatusTooManyRequests, "soon", 0},
		{"server error", http.StatusBadGateway, "", 0},
		{"client error", http.StatusNotFound, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := New(testConfig(srv.URL))
			_, err := c.FetchPage(context.Background(), c.FirstPage())
			var se *StatusError
			require.True(t, errors.As(err, &se), "expected *StatusError, got %v", err)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantWait, se.RetryAfter)
		})
	}
}

func TestFetchPageMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.FetchPage(context.Background(), c.FirstPage())
	assert.ErrorIs(t, err, ErrMalformedPage)
}
