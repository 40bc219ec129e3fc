// Package mqtt republishes ventilator events to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/ventpal/internal/ble/protocol"
	"github.com/chaz8081/ventpal/internal/ventilator"
)

// Publisher is the subset of paho.Client the bridge uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Config holds broker connection settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Dial connects to the broker.
func Dial(cfg Config) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, token.Error())
	}
	slog.Info("[MQTT] connected", "broker", cfg.Broker)
	return client, nil
}

// Bridge publishes each event to <prefix>/<kind>.
type Bridge struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

func NewBridge(pub Publisher, prefix string) *Bridge {
	if prefix == "" {
		prefix = "ventpal"
	}
	return &Bridge{pub: pub, prefix: prefix, timeout: 5 * time.Second}
}

type devicePayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int    `json:"rssi,omitempty"`
}

type settingsPayload struct {
	PatientID          uint32  `json:"patient_id"`
	TidalVolume        int     `json:"tidal_volume"`
	IERatio            string  `json:"ie_ratio"`
	RespiratoryRate    int     `json:"respiratory_rate"`
	Height             int     `json:"height"`
	Gender             string  `json:"gender"`
	Running            bool    `json:"running"`
	PIBW               float64 `json:"pibw"`
	TotalTidalVolumeMl int     `json:"total_tidal_volume_ml"`
}

type eventPayload struct {
	Kind     string           `json:"kind"`
	Session  string           `json:"session,omitempty"`
	Device   *devicePayload   `json:"device,omitempty"`
	Devices  []devicePayload  `json:"devices,omitempty"`
	Settings *settingsPayload `json:"settings,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Topic returns the topic for kind.
func (b *Bridge) Topic(kind ventilator.EventKind) string {
	return b.prefix + "/" + kind.String()
}

// Publish sends ev and waits for the broker to accept it.
func (b *Bridge) Publish(ev ventilator.Event) error {
	payload, err := json.Marshal(encodeEvent(ev))
	if err != nil {
		return fmt.Errorf("mqtt: encode %s: %w", ev.Kind, err)
	}

	topic := b.Topic(ev.Kind)
	token := b.pub.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt: publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

// Run publishes events until ctx is cancelled or events is closed. Publish
// failures are logged and do not stop the bridge.
func (b *Bridge) Run(ctx context.Context, events <-chan ventilator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.Publish(ev); err != nil {
				slog.Warn("[MQTT] publish failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func encodeEvent(ev ventilator.Event) eventPayload {
	p := eventPayload{Kind: ev.Kind.String(), Session: ev.Session}

	switch ev.Kind {
	case ventilator.EventDevicesDiscovered:
		p.Devices = make([]devicePayload, 0, len(ev.Devices))
		for _, d := range ev.Devices {
			p.Devices = append(p.Devices, devicePayload{ID: d.ID, Name: d.Name, RSSI: d.RSSI})
		}
	case ventilator.EventSettingsReceived:
		p.Settings = encodeSettings(ev.Settings)
	case ventilator.EventDisconnected:
		p.Reason = ev.Reason.String()
		if err := ev.Err(); err != nil {
			p.Error = err.Error()
		}
	}
	if ev.Device.ID != "" {
		p.Device = &devicePayload{ID: ev.Device.ID, Name: ev.Device.Name, RSSI: ev.Device.RSSI}
	}
	return p
}

func encodeSettings(s protocol.Settings) *settingsPayload {
	return &settingsPayload{
		PatientID:          s.PatientID,
		TidalVolume:        s.TidalVolume(),
		IERatio:            protocol.IERatioLabel(s.IERatio),
		RespiratoryRate:    s.RespiratoryRate,
		Height:             s.Height(),
		Gender:             s.Gender().String(),
		Running:            s.Running,
		PIBW:               s.PIBW(),
		TotalTidalVolumeMl: s.TotalTidalVolumeMl(),
	}
}
