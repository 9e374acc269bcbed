package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"xrdcal/diffract"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *diffract.Config
	Instr      *diffract.Instrument
	Materials  map[string]*diffract.PlaneData
	Groups     []*diffract.PickGroup
	Composite  *diffract.CompositeCalibration
	Report     *diffract.CalibrationReport
	Publisher  *diffract.Publisher
	MQTTClient mqtt.Client

	mu sync.RWMutex

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	InstrumentFile string
	MaterialsFile  string
	PicksFile      string
	OutputFile     string
	RenderFormat   string
	HttpPort       int
	MqttMode       bool
	HttpMode       bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.InstrumentFile = opts.InstrumentFile
	a.MaterialsFile = opts.MaterialsFile
	a.PicksFile = opts.PicksFile
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadInputs loads the config, instrument, materials, and picks files.
// The config file is optional; everything else is required.
func (a *App) loadInputs() error {
	if _, err := os.Stat(a.ConfigFile); err == nil {
		config, err := diffract.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading config %s: %w", a.ConfigFile, err)
		}
		a.Config = config
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else {
		a.Config = &diffract.Config{Solver: diffract.DefaultSolverConfig()}
		log.Printf("No config at %s, using defaults", a.ConfigFile)
	}

	instr, err := diffract.LoadInstrument(a.InstrumentFile)
	if err != nil {
		return fmt.Errorf("loading instrument %s: %w", a.InstrumentFile, err)
	}
	a.Instr = instr
	log.Printf("Loaded instrument with %d detectors from %s", len(instr.Detectors), a.InstrumentFile)

	materials, err := diffract.LoadMaterials(a.MaterialsFile)
	if err != nil {
		return fmt.Errorf("loading materials %s: %w", a.MaterialsFile, err)
	}
	a.Materials = materials
	log.Printf("Loaded %d materials from %s", len(materials), a.MaterialsFile)

	groups, err := diffract.LoadPicks(a.PicksFile)
	if err != nil {
		return fmt.Errorf("loading picks %s: %w", a.PicksFile, err)
	}
	a.Groups = groups
	log.Printf("Loaded %d pick groups from %s", len(groups), a.PicksFile)

	return nil
}

// Calibrate runs the full pick-based refinement and updates the application
// state with the result. Safe for concurrent use with the HTTP handlers.
func (a *App) Calibrate() (*diffract.CalibrationReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cc, err := diffract.RunCalibration(a.Groups, a.Instr, a.Materials, a.Config.Solver)
	if err != nil {
		return nil, err
	}
	a.Composite = cc

	report, err := diffract.BuildReport(cc, a.Groups)
	if err != nil {
		return nil, fmt.Errorf("building report: %w", err)
	}
	a.Report = report
	return report, nil
}

// RunCalibrate loads all inputs, runs the refinement, and writes the refined
// instrument back out.
func (a *App) RunCalibrate() {
	if err := a.loadInputs(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	report, err := a.Calibrate()
	if err != nil {
		log.Fatalf("Calibration failed: %v", err)
	}

	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Converged: %v (%s)\n", report.Converged, report.Message)
	fmt.Printf("Iterations: %d, cost: %.6g, RMS: %.6g mm\n",
		report.Iterations, report.Cost, report.RMS)
	for _, cs := range report.Calibrators {
		fmt.Printf("  [%d] %-7s %-12s n=%-4d rms=%.4g median=%.4g p90=%.4g max=%.4g\n",
			cs.Index, cs.Type, cs.Material, cs.Count, cs.RMS, cs.Median, cs.P90, cs.MaxAbs)
	}
	fmt.Println(strings.Repeat("-", 60))

	output := a.OutputFile
	if output == "" {
		output = strings.TrimSuffix(a.InstrumentFile, filepath.Ext(a.InstrumentFile)) + "-refined.yaml"
	}
	if err := diffract.SaveInstrument(output, a.Instr); err != nil {
		log.Fatalf("Error saving refined instrument: %v", err)
	}
	fmt.Printf("Refined instrument written to %s\n", output)

	if a.MqttMode {
		a.connectMQTT()
		if a.Publisher != nil {
			if err := a.Publisher.PublishResult(a.Instr, report); err != nil {
				log.Printf("Error publishing result: %v", err)
			}
		}
	}
}

// RunRender loads all inputs and writes an overlay of observed picks and
// model predictions at the current instrument parameters.
func (a *App) RunRender() {
	if err := a.loadInputs(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if err := diffract.EnrichPickData(a.Groups, a.Instr, a.Materials); err != nil {
		log.Fatalf("Error enriching picks: %v", err)
	}

	cc, err := diffract.NewCompositeCalibration(a.Groups, a.Instr)
	if err != nil {
		log.Fatalf("Error building calibration: %v", err)
	}

	models, err := cc.Model(a.Groups)
	if err != nil {
		log.Fatalf("Error evaluating model: %v", err)
	}

	output := a.OutputFile
	if output == "" {
		output = "overlay." + a.RenderFormat
	}

	switch a.RenderFormat {
	case "svg", "png":
		renderer := diffract.NewOverlayRenderer(a.Instr, a.Groups, models)
		outFile, err := os.Create(output)
		if err != nil {
			log.Fatalf("Error creating output file %s: %v", output, err)
		}
		defer func() {
			if err := outFile.Close(); err != nil {
				log.Printf("Warning: error closing output file %s: %v", output, err)
			}
		}()

		if a.RenderFormat == "svg" {
			err = renderer.RenderToSVG(outFile)
		} else {
			err = renderer.RenderToPNG(outFile)
		}
		if err != nil {
			log.Fatalf("Error rendering overlay: %v", err)
		}
	case "quicklook":
		ql := diffract.NewQuickLookRenderer(a.Instr, a.Groups)
		if !strings.HasSuffix(output, ".png") {
			output = strings.TrimSuffix(output, filepath.Ext(output)) + ".png"
		}
		if err := ql.SaveTo(output); err != nil {
			log.Fatalf("Error rendering quicklook: %v", err)
		}
	default:
		log.Fatalf("Invalid format: %s (must be svg, png, or quicklook)", a.RenderFormat)
	}

	fmt.Printf("Created: %s\n", output)
}

// RunService starts the HTTP API and optionally the MQTT publisher.
func (a *App) RunService() {
	fmt.Println("Starting xrdcal service...")

	if err := a.loadInputs(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	if a.MqttMode {
		a.connectMQTT()
	}

	if a.HttpMode {
		httpServer := newHTTPServer(a)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, httpServer); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}

	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.HttpMode {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Println("  GET  /health         - Health check")
		fmt.Println("  GET  /api/instrument - Current instrument geometry")
		fmt.Println("  GET  /api/report     - Last calibration report")
		fmt.Println("  POST /api/calibrate  - Run the refinement")
		fmt.Println("  GET  /overlay.svg    - Pick/model overlay")
		fmt.Println("  GET  /quicklook.png  - Raster quick look")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect(250)
	}
	fmt.Println("Service stopped")
}

// connectMQTT connects the MQTT client and publisher from config. A missing
// broker disables publishing rather than failing.
func (a *App) connectMQTT() {
	client, err := diffract.ConnectMQTT(a.Config)
	if err != nil {
		log.Fatalf("Failed to connect MQTT: %v", err)
	}
	if client == nil {
		return
	}
	a.MQTTClient = client
	a.Publisher = diffract.NewPublisher(client, a.Config.MQTT.TopicPrefix)
	fmt.Println("MQTT result publisher initialized")
}
