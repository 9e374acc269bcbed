package diffract

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testReport() *CalibrationReport {
	return &CalibrationReport{
		Timestamp:  time.Now(),
		Converged:  true,
		Message:    "converged",
		Iterations: 3,
		Cost:       1.5e-9,
		RMS:        6.8e-6,
		Calibrators: []CalibratorStats{
			{Index: 0, Type: GroupTypePowder, Material: "nickel", Count: 16, RMS: 6.8e-6},
		},
	}
}

func TestNewPublisherDefaults(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")

	p := NewPublisher(nil, "")
	if p.publishPrefix != "xrdcal" {
		t.Errorf("prefix = %q, want xrdcal", p.publishPrefix)
	}
	if p.qos != 0 {
		t.Errorf("qos = %d, want 0", p.qos)
	}
	if !p.retain {
		t.Error("retain = false, want true")
	}

	p = NewPublisher(nil, "beamline/id3a")
	if p.publishPrefix != "beamline/id3a" {
		t.Errorf("prefix = %q, want beamline/id3a", p.publishPrefix)
	}
}

func TestNewPublisherPrefixFromEnv(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "env-prefix")
	p := NewPublisher(nil, "")
	if p.publishPrefix != "env-prefix" {
		t.Errorf("prefix = %q, want env-prefix", p.publishPrefix)
	}
}

func TestPublishResult(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "cal")

	instr := newTestInstrument()
	report := testReport()
	if err := p.PublishResult(instr, report); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	msgs := client.GetPublishedMessages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if msgs[0].Topic != "cal/instrument" {
		t.Errorf("topic = %q, want cal/instrument", msgs[0].Topic)
	}
	if !msgs[0].Retain {
		t.Error("instrument message not retained")
	}
	var snap InstrumentSnapshot
	if err := json.Unmarshal(msgs[0].Payload, &snap); err != nil {
		t.Fatalf("unmarshaling instrument payload: %v", err)
	}
	if snap.BeamEnergy != 80.0 {
		t.Errorf("BeamEnergy = %g, want 80", snap.BeamEnergy)
	}
	det, ok := snap.Detectors["det1"]
	if !ok {
		t.Fatal("det1 missing from snapshot")
	}
	if det.Rows != 2048 || det.Translation != [3]float64{0, 0, -500} {
		t.Errorf("panel snapshot = %+v", det)
	}

	if msgs[1].Topic != "cal/report" {
		t.Errorf("topic = %q, want cal/report", msgs[1].Topic)
	}
	var gotReport CalibrationReport
	if err := json.Unmarshal(msgs[1].Payload, &gotReport); err != nil {
		t.Fatalf("unmarshaling report payload: %v", err)
	}
	if gotReport.RMS != report.RMS || !gotReport.Converged {
		t.Errorf("report payload = %+v", gotReport)
	}

	last, ok := p.LastReport()
	if !ok || last != report {
		t.Error("LastReport() does not return the published report")
	}
}

func TestPublishResultNotConnected(t *testing.T) {
	p := NewPublisher(NewMockClient(), "cal")
	if err := p.PublishResult(newTestInstrument(), testReport()); err == nil {
		t.Error("expected error when the client is not connected")
	}

	if _, ok := p.LastReport(); ok {
		t.Error("LastReport() set despite the publish failing")
	}
}

func TestPublishResultPublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker rejected"))
	p := NewPublisher(client, "cal")

	if err := p.PublishResult(newTestInstrument(), testReport()); err == nil {
		t.Error("expected publish error to propagate")
	}
}

func TestPublisherQoSBounds(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewPublisher(client, "cal")

	p.SetQoS(5) // out of range, ignored
	p.SetRetain(false)
	if err := p.PublishResult(newTestInstrument(), testReport()); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	p.SetQoS(1)
	if err := p.PublishResult(newTestInstrument(), testReport()); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	msgs := client.GetPublishedMessages()
	if msgs[0].QoS != 0 || msgs[0].Retain {
		t.Errorf("first message qos/retain = %d/%v, want 0/false", msgs[0].QoS, msgs[0].Retain)
	}
	if msgs[2].QoS != 1 {
		t.Errorf("third message qos = %d, want 1", msgs[2].QoS)
	}
}

func TestNewInstrumentSnapshotDistortion(t *testing.T) {
	panel := newTestPanel("det1")
	panel.Distortion = &RadialDistortion{K1: 0.001, K2: -0.0002, RNorm: 204.8}
	instr := NewInstrument(80.0, panel)

	snap := NewInstrumentSnapshot(instr)
	det := snap.Detectors["det1"]
	if len(det.Distortion) != 2 {
		t.Fatalf("distortion = %v, want two coefficients", det.Distortion)
	}
	if det.Distortion[0] != 0.001 || det.Distortion[1] != -0.0002 {
		t.Errorf("distortion = %v, want [0.001 -0.0002]", det.Distortion)
	}
}

func TestConnectMQTTDisabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")

	client, err := ConnectMQTT(nil)
	if err != nil {
		t.Fatalf("ConnectMQTT: %v", err)
	}
	if client != nil {
		t.Error("expected nil client with no broker configured")
	}

	client, err = ConnectMQTT(&Config{})
	if err != nil || client != nil {
		t.Errorf("ConnectMQTT(empty config) = %v, %v, want nil, nil", client, err)
	}
}
