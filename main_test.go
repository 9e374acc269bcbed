package main

import (
	"bytes"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunCalibrate()                { m.called["RunCalibrate"] = true }
func (m *mockApp) RunRender()                   { m.called["RunRender"] = true }
func (m *mockApp) RunService()                  { m.called["RunService"] = true }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Calibrate",
			args:           []string{"-calibrate", "-instrument", "geom.yaml", "-picks", "p.json"},
			expectedCalled: "RunCalibrate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.InstrumentFile != "geom.yaml" {
					t.Errorf("expected InstrumentFile geom.yaml, got %s", opts.InstrumentFile)
				}
				if opts.PicksFile != "p.json" {
					t.Errorf("expected PicksFile p.json, got %s", opts.PicksFile)
				}
				if !opts.CalibrateOnly {
					t.Error("expected CalibrateOnly true")
				}
			},
		},
		{
			name:           "CalibrateWithOutput",
			args:           []string{"-calibrate", "-output", "refined.yaml"},
			expectedCalled: "RunCalibrate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OutputFile != "refined.yaml" {
					t.Errorf("expected OutputFile refined.yaml, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Render",
			args:           []string{"-render", "-format", "png", "-output", "overlay.png"},
			expectedCalled: "RunRender",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.RenderFormat != "png" {
					t.Errorf("expected RenderFormat png, got %s", opts.RenderFormat)
				}
				if !opts.RenderOnly {
					t.Error("expected RenderOnly true")
				}
			},
		},
		{
			name:           "HttpService",
			args:           []string{"-http", "-http-port", "9090"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode {
					t.Error("expected HttpMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
			},
		},
		{
			name:           "MqttService",
			args:           []string{"-mqtt", "-config", "broker.yaml"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.ConfigFile != "broker.yaml" {
					t.Errorf("expected ConfigFile broker.yaml, got %s", opts.ConfigFile)
				}
			},
		},
		{
			name:           "BothServices",
			args:           []string{"-mqtt", "-http"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode || !opts.HttpMode {
					t.Error("expected both MqttMode and HttpMode true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of xrdcal") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "xrdcal version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}

	if !strings.Contains(out.String(), "xrdcal service starting...") {
		t.Errorf("expected output to contain service starting message, got: %s", out.String())
	}

	for _, m := range []string{"RunCalibrate", "RunRender", "RunService"} {
		if app.called[m] {
			t.Errorf("expected %s not to be called in default mode", m)
		}
	}
}

func TestRun_DefaultOptions(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run([]string{"-calibrate"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if app.opts.InstrumentFile != "instrument.yaml" {
		t.Errorf("expected default InstrumentFile instrument.yaml, got %s", app.opts.InstrumentFile)
	}
	if app.opts.MaterialsFile != "materials.yaml" {
		t.Errorf("expected default MaterialsFile materials.yaml, got %s", app.opts.MaterialsFile)
	}
	if app.opts.PicksFile != "picks.json" {
		t.Errorf("expected default PicksFile picks.json, got %s", app.opts.PicksFile)
	}
	if app.opts.RenderFormat != "svg" {
		t.Errorf("expected default RenderFormat svg, got %s", app.opts.RenderFormat)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
