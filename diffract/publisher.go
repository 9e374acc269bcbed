package diffract

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher pushes calibration results to MQTT so downstream consumers
// (beamline dashboards, archival services) see refined geometry without
// polling the HTTP API.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	lastReport    *CalibrationReport
	mu            sync.RWMutex
}

// NewPublisher creates a result publisher.
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = os.Getenv("MQTT_PUBLISH_PREFIX")
	}
	if prefix == "" {
		prefix = "xrdcal"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // results are idempotent snapshots, no need for QoS 1
		retain:        true, // retain so late subscribers get the latest calibration
	}
}

// InstrumentSnapshot is the wire form of a refined instrument, shared by the
// MQTT publisher and the HTTP API. Tilts stay in radians on the wire;
// consumers that want degrees convert themselves.
type InstrumentSnapshot struct {
	BeamEnergy float64                  `json:"beamEnergy"`
	Detectors  map[string]PanelSnapshot `json:"detectors"`
	Timestamp  int64                    `json:"timestamp"`
}

type PanelSnapshot struct {
	Rows        int        `json:"rows"`
	Cols        int        `json:"cols"`
	PixelSize   [2]float64 `json:"pixelSize"`
	Tilt        [3]float64 `json:"tilt"`
	Translation [3]float64 `json:"translation"`
	Distortion  []float64  `json:"distortion,omitempty"`
}

// NewInstrumentSnapshot captures the instrument's current geometry.
func NewInstrumentSnapshot(instr *Instrument) InstrumentSnapshot {
	snap := InstrumentSnapshot{
		BeamEnergy: instr.BeamEnergy,
		Detectors:  make(map[string]PanelSnapshot, len(instr.Detectors)),
		Timestamp:  time.Now().Unix(),
	}
	for _, id := range instr.DetectorIDs() {
		panel := instr.Detectors[id]
		ps := PanelSnapshot{
			Rows:        panel.Rows,
			Cols:        panel.Cols,
			PixelSize:   [2]float64{panel.PixelSizeX, panel.PixelSizeY},
			Tilt:        panel.Tilt,
			Translation: panel.Translation,
		}
		if panel.Distortion != nil {
			ps.Distortion = panel.Distortion.params()
		}
		snap.Detectors[id] = ps
	}
	return snap
}

// PublishResult publishes the refined instrument and the calibration report
// to their respective topics.
func (p *Publisher) PublishResult(instr *Instrument, report *CalibrationReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publishInstrument(instr); err != nil {
		log.Printf("Error publishing instrument: %v", err)
		return err
	}

	if err := p.publishReport(report); err != nil {
		log.Printf("Error publishing report: %v", err)
		return err
	}

	p.mu.Lock()
	p.lastReport = report
	p.mu.Unlock()

	return nil
}

// publishInstrument publishes the refined geometry to {prefix}/instrument
func (p *Publisher) publishInstrument(instr *Instrument) error {
	topic := fmt.Sprintf("%s/instrument", p.publishPrefix)

	payload, err := json.Marshal(NewInstrumentSnapshot(instr))
	if err != nil {
		return fmt.Errorf("marshaling instrument: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published refined instrument (%d detectors) to %s", len(instr.Detectors), topic)
	return nil
}

// publishReport publishes the fit quality summary to {prefix}/report
func (p *Publisher) publishReport(report *CalibrationReport) error {
	topic := fmt.Sprintf("%s/report", p.publishPrefix)

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// LastReport returns the most recently published report, if any.
func (p *Publisher) LastReport() (*CalibrationReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastReport == nil {
		return nil, false
	}
	return p.lastReport, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// ConnectMQTT builds and connects an MQTT client from the configuration.
// If no broker is configured (config or MQTT_BROKER env var), MQTT is
// disabled and this returns nil, nil.
func ConnectMQTT(config *Config) (mqtt.Client, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}
	if broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config != nil && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "xrdcal"
	}
	opts.SetClientID(clientID)

	if config != nil {
		if config.MQTT.Username != "" {
			opts.SetUsername(config.MQTT.Username)
		}
		if config.MQTT.Password != "" {
			opts.SetPassword(config.MQTT.Password)
		}
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("Connected to MQTT broker %s", broker)
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, token.Error())
	}

	return client, nil
}
