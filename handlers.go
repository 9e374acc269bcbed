package main

import (
	"encoding/json"
	"image/png"
	"log"
	"net/http"
	"time"

	"xrdcal/diffract"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(app *App) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")

		app.mu.RLock()
		hasReport := app.Report != nil
		app.mu.RUnlock()

		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Detectors int       `json:"detectors"`
			HasReport bool      `json:"hasReport"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Detectors: len(app.Instr.Detectors),
			HasReport: hasReport,
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Current instrument geometry
	mux.HandleFunc("/api/instrument", func(w http.ResponseWriter, r *http.Request) {
		app.mu.RLock()
		snap := diffract.NewInstrumentSnapshot(app.Instr)
		app.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Printf("Error encoding instrument: %v", err)
		}
	})

	// Last calibration report
	mux.HandleFunc("/api/report", func(w http.ResponseWriter, r *http.Request) {
		app.mu.RLock()
		report := app.Report
		app.mu.RUnlock()

		if report == nil {
			http.Error(w, "No calibration has been run", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Printf("Error encoding report: %v", err)
		}
	})

	// Trigger a refinement run
	mux.HandleFunc("/api/calibrate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		log.Printf("[HTTP] calibration triggered by %s", r.RemoteAddr)
		report, err := app.Calibrate()
		if err != nil {
			log.Printf("Calibration failed: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if app.Publisher != nil {
			if err := app.Publisher.PublishResult(app.Instr, report); err != nil {
				log.Printf("Error publishing result: %v", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			log.Printf("Error encoding report: %v", err)
		}
	})

	// Pick/model overlay (vector)
	mux.HandleFunc("/overlay.svg", func(w http.ResponseWriter, r *http.Request) {
		// Enrichment mutates the pick groups, so this takes the write lock.
		app.mu.Lock()
		defer app.mu.Unlock()

		if len(app.Groups) == 0 {
			http.Error(w, "No picks available", http.StatusServiceUnavailable)
			return
		}

		if err := diffract.EnrichPickData(app.Groups, app.Instr, app.Materials); err != nil {
			log.Printf("Error enriching picks: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		cc, err := diffract.NewCompositeCalibration(app.Groups, app.Instr)
		if err != nil {
			log.Printf("Error building calibration: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		models, err := cc.Model(app.Groups)
		if err != nil {
			log.Printf("Error evaluating model: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		renderer := diffract.NewOverlayRenderer(app.Instr, app.Groups, models)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding overlay SVG: %v", err)
		}
	})

	// Raster quick look (picks only, no model evaluation)
	mux.HandleFunc("/quicklook.png", func(w http.ResponseWriter, r *http.Request) {
		app.mu.Lock()
		defer app.mu.Unlock()

		if err := diffract.EnrichPickData(app.Groups, app.Instr, app.Materials); err != nil {
			log.Printf("Error enriching picks: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		ql := diffract.NewQuickLookRenderer(app.Instr, app.Groups)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, ql.Render()); err != nil {
			log.Printf("Error encoding quicklook PNG: %v", err)
		}
	})

	return mux
}
