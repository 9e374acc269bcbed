package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed CLI flags
type AppOptions struct {
	ConfigFile     string
	InstrumentFile string
	MaterialsFile  string
	PicksFile      string
	OutputFile     string
	RenderFormat   string
	HttpPort       int
	CalibrateOnly  bool
	RenderOnly     bool
	MqttMode       bool
	HttpMode       bool
}

// appRunner is the subset of App the dispatcher needs, mockable in tests
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunCalibrate()
	RunRender()
	RunService()
}

func main() {
	app := NewApp()
	if err := run(os.Args[1:], os.Stdout, app); err != nil {
		os.Exit(2)
	}
}

// run parses args and dispatches to the app. Output goes to out so tests can
// capture it.
func run(args []string, out io.Writer, app appRunner) error {
	fs := flag.NewFlagSet("xrdcal", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.InstrumentFile, "instrument", "instrument.yaml", "Path to instrument geometry file")
	fs.StringVar(&opts.MaterialsFile, "materials", "materials.yaml", "Path to materials file")
	fs.StringVar(&opts.PicksFile, "picks", "picks.json", "Path to hand-picked peak positions")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file (refined instrument for -calibrate, image for -render)")
	fs.StringVar(&opts.RenderFormat, "format", "svg", "Render format: svg, png, or quicklook")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.CalibrateOnly, "calibrate", false, "Run the refinement and write the refined instrument")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render a pick/model overlay and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish calibration results to MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "xrdcal version: %s\n", Version)
	app.ApplyOptions(opts)

	if opts.CalibrateOnly {
		app.RunCalibrate()
		return nil
	}

	if opts.RenderOnly {
		app.RunRender()
		return nil
	}

	if opts.MqttMode || opts.HttpMode {
		app.RunService()
		return nil
	}

	fmt.Fprintln(out, "xrdcal service starting...")
	fmt.Fprintln(out, "Use -calibrate to refine the instrument against picked peaks")
	fmt.Fprintln(out, "Use -render to output a pick/model overlay")
	fmt.Fprintln(out, "Use -http to serve the calibration API")
	fmt.Fprintln(out, "Use -mqtt to publish results to MQTT")
	fmt.Fprintln(out, "Use -http -mqtt to run both together")
	fmt.Fprintln(out, "\nInputs:")
	fmt.Fprintln(out, "  instrument.yaml - detector geometry and refinement flags")
	fmt.Fprintln(out, "  materials.yaml  - lattice parameters and hkl lists")
	fmt.Fprintln(out, "  picks.json      - hand-picked peak positions per detector")
	return nil
}
