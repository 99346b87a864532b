package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer() *Server {
	return New(0, func() Stats {
		return Stats{Users: 2, Sessions: 5, Memories: 7}
	}, slog.Default())
}

func TestRootRespondsOK(t *testing.T) {
	s := testServer()

	rec := httptest.NewRecorder()
	s.handleRoot(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "OK", string(body))

	rec = httptest.NewRecorder()
	s.handleRoot(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handleRoot(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthzReportsStats(t *testing.T) {
	s := testServer()

	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed struct {
		OK       bool `json:"ok"`
		Users    int  `json:"users"`
		Sessions int  `json:"sessions"`
		Memories int  `json:"memories"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&parsed))
	assert.True(t, parsed.OK)
	assert.Equal(t, 2, parsed.Users)
	assert.Equal(t, 5, parsed.Sessions)
	assert.Equal(t, 7, parsed.Memories)
}
