package p2p

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"btcrouter/classify"
)

func TestDirectoryHandler(t *testing.T) {
	dir := newTestDirectory(t, DirectoryConfig{})
	_, err := dir.AddCandidate("203.0.113.1:8333", SourceSeed)
	require.NoError(t, err)
	dir.RecordHandshake("203.0.113.1:8333", "/Satoshi:27.1.0/Knots:20240801/", 70016, 9, 850000)

	cls := classify.NewRegistry()
	cls.Observe("203.0.113.1:8333", classify.UserAgentSignal("/Satoshi:27.1.0/Knots:20240801/"))

	rec := httptest.NewRecorder()
	DirectoryHandler(dir, cls).ServeHTTP(rec, httptest.NewRequest("GET", "/peers", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []struct {
		Addr       string  `json:"addr"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		UserAgent  string  `json:"userAgent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "203.0.113.1:8333", views[0].Addr)
	require.Equal(t, "knots", views[0].Label)
	require.Equal(t, 3.0, views[0].Confidence)
	require.Equal(t, "/Satoshi:27.1.0/Knots:20240801/", views[0].UserAgent)
}

func TestDirectoryHandlerUnknownLabelFallback(t *testing.T) {
	dir := newTestDirectory(t, DirectoryConfig{})
	_, err := dir.AddCandidate("203.0.113.2:8333", SourceGossip)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	DirectoryHandler(dir, nil).ServeHTTP(rec, httptest.NewRequest("GET", "/peers", nil))

	var views []struct {
		Label string `json:"label"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "unknown", views[0].Label)
}
