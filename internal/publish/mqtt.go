// Package publish sends the newest values of each synced device to an MQTT
// broker.
//
// For a device named "Aranet4 1A2B3" under the default prefix, messages go
// to
//
//	aranet/Aranet4_1A2B3/json          full record as JSON
//	aranet/Aranet4_1A2B3/co2           one topic per measured value
//	aranet/Aranet4_1A2B3/temperature
//	...
package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/config"
)

const (
	defaultPrefix  = "aranet"
	publishTimeout = 5 * time.Second
)

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Publisher publishes history records to MQTT.
type Publisher struct {
	client client
	prefix string
	qos    byte
	retain bool
	logger aranet.Logger
}

// NewPublisher configures a paho client from cfg. It does not connect.
func NewPublisher(cfg config.MQTTConfig, logger aranet.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if logger == nil {
		logger = aranet.NewNopLogger()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "aranet-sync"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	return newPublisher(mqtt.NewClient(opts), cfg, logger), nil
}

func newPublisher(c client, cfg config.MQTTConfig, logger aranet.Logger) *Publisher {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Publisher{client: c, prefix: prefix, qos: cfg.QoS, retain: cfg.Retain, logger: logger}
}

// Connect waits for the broker connection, giving up when ctx is done.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close disconnects, letting in-flight messages finish for up to 250 ms.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// PublishResults publishes the newest record of every successful result
// that downloaded something. It returns the first publish error after
// trying every device.
func (p *Publisher) PublishResults(ctx context.Context, results []*aranet.SyncResult) error {
	var firstErr error
	for _, r := range results {
		if r == nil || r.Err != nil || r.Latest == nil {
			continue
		}
		name := r.Name
		if name == "" {
			name = r.DeviceID
		}
		if err := p.PublishRecord(ctx, name, r.DeviceType, r.Latest); err != nil {
			p.logger.Warn("mqtt publish failed", "device", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PublishRecord publishes rec for device under the configured prefix.
func (p *Publisher) PublishRecord(ctx context.Context, device string, dt aranet.DeviceType, rec *aranet.HistoryRecord) error {
	msgs, err := Messages(p.prefix, device, dt, rec)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := wait(pctx, p.client.Publish(m.Topic, p.qos, p.retain, m.Payload))
		cancel()
		if err != nil {
			return fmt.Errorf("publishing %s: %w", m.Topic, err)
		}
	}
	p.logger.Debug("published record", "device", device, "messages", len(msgs))
	return nil
}

// Message is one topic and payload.
type Message struct {
	Topic   string
	Payload []byte
}

type payload struct {
	Device         string    `json:"device"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	CO2            *uint16   `json:"co2,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Pressure       *float64  `json:"pressure,omitempty"`
	Humidity       *uint8    `json:"humidity,omitempty"`
	Radon          *uint32   `json:"radon,omitempty"`
	RadiationRate  *float64  `json:"radiation_rate,omitempty"`
	RadiationTotal *float64  `json:"radiation_total,omitempty"`
}

// Messages builds the JSON message and one message per value measured by
// the device type. Unknown types publish every value.
func Messages(prefix, device string, dt aranet.DeviceType, rec *aranet.HistoryRecord) ([]Message, error) {
	base := strings.Trim(prefix, "/") + "/" + SanitizeTopic(device)
	pl := payload{
		Device:         device,
		Type:           dt.String(),
		Timestamp:      rec.Timestamp.UTC(),
		Radon:          rec.Radon,
		RadiationRate:  rec.RadiationRate,
		RadiationTotal: rec.RadiationTotal,
	}

	var values []Message
	add := func(name, v string) {
		values = append(values, Message{Topic: base + "/" + name, Payload: []byte(v)})
	}
	float := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }

	hasCO2 := dt == aranet.DeviceTypeAranet4 || dt == aranet.DeviceTypeUnknown
	climate := dt != aranet.DeviceTypeAranetRadiation
	hasPressure := climate && dt != aranet.DeviceTypeAranet2

	if hasCO2 {
		pl.CO2 = &rec.CO2
		add("co2", strconv.FormatUint(uint64(rec.CO2), 10))
	}
	if climate {
		pl.Temperature = &rec.Temperature
		pl.Humidity = &rec.Humidity
		add("temperature", float(rec.Temperature, 2))
		add("humidity", strconv.FormatUint(uint64(rec.Humidity), 10))
	}
	if hasPressure {
		pl.Pressure = &rec.Pressure
		add("pressure", float(rec.Pressure, 1))
	}
	if rec.Radon != nil {
		add("radon", strconv.FormatUint(uint64(*rec.Radon), 10))
	}
	if rec.RadiationRate != nil {
		add("radiation_rate", float(*rec.RadiationRate, 3))
	}
	if rec.RadiationTotal != nil {
		add("radiation_total", float(*rec.RadiationTotal, 3))
	}

	data, err := json.Marshal(pl)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append([]Message{{Topic: base + "/json", Payload: data}}, values...), nil
}

// SanitizeTopic replaces characters that are not allowed, or not wanted,
// inside a single MQTT topic level.
func SanitizeTopic(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '#', '+', '/', ' ':
			return '_'
		}
		return r
	}, s)
}

// wait blocks until t completes or ctx is done.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
