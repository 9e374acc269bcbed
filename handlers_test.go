package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xrdcal/diffract"
)

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string `json:"status"`
		Detectors int    `json:"detectors"`
		HasReport bool   `json:"hasReport"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Detectors)
	assert.False(t, body.HasReport, "hasReport should be false before any run")
}

// ---------------------------------------------------------------------------
// /api/instrument
// ---------------------------------------------------------------------------

func TestInstrumentEndpoint(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/api/instrument", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snap diffract.InstrumentSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, 80.0, snap.BeamEnergy)
	require.Contains(t, snap.Detectors, "det1")
	assert.Equal(t, 2048, snap.Detectors["det1"].Rows)
	assert.Equal(t, [3]float64{0, 0, -500}, snap.Detectors["det1"].Translation)
}

// ---------------------------------------------------------------------------
// /api/report and /api/calibrate
// ---------------------------------------------------------------------------

func TestReportEndpoint_BeforeRun_404(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/api/report", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCalibrateEndpoint_WrongMethod_405(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/api/calibrate", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCalibrateEndpoint_ThenReport(t *testing.T) {
	handler := newHTTPServer(testApp())

	req := httptest.NewRequest(http.MethodPost, "/api/calibrate", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "calibrate body: %s", w.Body.String())

	var report diffract.CalibrationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Less(t, report.RMS, 1e-8)

	// Report is now available.
	req = httptest.NewRequest(http.MethodGet, "/api/report", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stored diffract.CalibrationReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stored))
	assert.Equal(t, report.RMS, stored.RMS)
}

// ---------------------------------------------------------------------------
// /overlay.svg and /quicklook.png
// ---------------------------------------------------------------------------

func TestOverlaySVG(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/overlay.svg", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "image/svg+xml", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "<svg")
}

func TestOverlaySVG_NoPicks_503(t *testing.T) {
	app := testApp()
	app.Groups = nil
	handler := newHTTPServer(app)

	req := httptest.NewRequest(http.MethodGet, "/overlay.svg", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestQuickLookPNG(t *testing.T) {
	handler := newHTTPServer(testApp())
	req := httptest.NewRequest(http.MethodGet, "/quicklook.png", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	// PNG signature.
	assert.True(t, strings.HasPrefix(w.Body.String(), "\x89PNG"), "response is not a PNG")
}
