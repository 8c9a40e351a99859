package publish

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/config"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload string
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	pending    bool
	messages   []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return &fakeToken{done: make(chan struct{})}
	}
	c.connected = true
	return doneToken(nil)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken(c.publishErr)
	}
	c.messages = append(c.messages, published{topic, qos, retained, string(payload.([]byte))})
	return doneToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func TestSanitizeTopic(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Aranet4 1A2B3", "Aranet4_1A2B3"},
		{"AranetRn+ 306B8", "AranetRn__306B8"},
		{"a/b#c", "a_b_c"},
		{"  spaced  ", "spaced"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeTopic(tt.in); got != tt.want {
				t.Errorf("SanitizeTopic(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessages(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	radon := uint32(42)

	tests := []struct {
		name       string
		dt         aranet.DeviceType
		rec        aranet.HistoryRecord
		wantTopics []string
	}{
		{
			name:       "aranet4",
			dt:         aranet.DeviceTypeAranet4,
			rec:        aranet.HistoryRecord{Timestamp: ts, CO2: 812, Temperature: 22.35, Pressure: 1012.4, Humidity: 44},
			wantTopics: []string{"json", "co2", "temperature", "humidity", "pressure"},
		},
		{
			name:       "aranet2",
			dt:         aranet.DeviceTypeAranet2,
			rec:        aranet.HistoryRecord{Timestamp: ts, Temperature: 19.5, Humidity: 51},
			wantTopics: []string{"json", "temperature", "humidity"},
		},
		{
			name:       "radon",
			dt:         aranet.DeviceTypeAranetRadon,
			rec:        aranet.HistoryRecord{Timestamp: ts, Temperature: 18, Pressure: 1000, Humidity: 60, Radon: &radon},
			wantTopics: []string{"json", "temperature", "humidity", "pressure", "radon"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := Messages("home/", "Dev 1", tt.dt, &tt.rec)
			if err != nil {
				t.Fatalf("Messages() error = %v", err)
			}
			if len(msgs) != len(tt.wantTopics) {
				t.Fatalf("len(Messages()) = %d, want %d", len(msgs), len(tt.wantTopics))
			}
			for i, suffix := range tt.wantTopics {
				if want := "home/Dev_1/" + suffix; msgs[i].Topic != want {
					t.Errorf("msgs[%d].Topic = %q, want %q", i, msgs[i].Topic, want)
				}
			}
		})
	}

	t.Run("json payload", func(t *testing.T) {
		rec := aranet.HistoryRecord{Timestamp: ts, CO2: 812, Temperature: 22.35, Pressure: 1012.4, Humidity: 44}
		msgs, err := Messages("aranet", "Office", aranet.DeviceTypeAranet4, &rec)
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		var got map[string]any
		if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if got["co2"] != float64(812) || got["type"] != "Aranet4" || got["timestamp"] != "2024-01-15T10:30:00Z" {
			t.Errorf("payload = %v", got)
		}
		if _, ok := got["radon"]; ok {
			t.Error("payload has radon for an Aranet4")
		}
		if string(msgs[2].Payload) != "22.35" {
			t.Errorf("temperature payload = %q, want 22.35", msgs[2].Payload)
		}
	})
}

func TestPublisher_PublishResults(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{}
	p := newPublisher(fc, config.MQTTConfig{TopicPrefix: "", QoS: 1, Retain: true}, aranet.NewNopLogger())

	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	latest := &aranet.HistoryRecord{Timestamp: time.Unix(1700000000, 0), Temperature: 20, Humidity: 40}
	results := []*aranet.SyncResult{
		{DeviceID: "AA", Name: "Bedroom", DeviceType: aranet.DeviceTypeAranet2, Latest: latest},
		{DeviceID: "BB", Name: "Broken", Err: errors.New("timeout"), Latest: latest},
		{DeviceID: "CC", Name: "UpToDate", UpToDate: true},
		{DeviceID: "DD", DeviceType: aranet.DeviceTypeAranet2, Latest: latest},
	}
	if err := p.PublishResults(ctx, results); err != nil {
		t.Fatalf("PublishResults() error = %v", err)
	}

	if len(fc.messages) != 6 {
		t.Fatalf("published %d messages, want 6", len(fc.messages))
	}
	if fc.messages[0].topic != "aranet/Bedroom/json" {
		t.Errorf("first topic = %q, want aranet/Bedroom/json", fc.messages[0].topic)
	}
	if fc.messages[3].topic != "aranet/DD/json" {
		t.Errorf("fourth topic = %q, want aranet/DD/json", fc.messages[3].topic)
	}
	for _, m := range fc.messages {
		if m.qos != 1 || !m.retain {
			t.Errorf("message %s qos=%d retain=%v, want 1 true", m.topic, m.qos, m.retain)
		}
	}

	p.Close()
	if fc.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestPublisher_Errors(t *testing.T) {
	t.Run("publish error", func(t *testing.T) {
		fc := &fakeClient{connected: true, publishErr: errors.New("broker gone")}
		p := newPublisher(fc, config.MQTTConfig{}, aranet.NewNopLogger())
		rec := &aranet.HistoryRecord{Timestamp: time.Unix(1700000000, 0)}
		err := p.PublishRecord(context.Background(), "x", aranet.DeviceTypeAranet4, rec)
		if err == nil || !strings.Contains(err.Error(), "broker gone") {
			t.Errorf("PublishRecord() error = %v, want broker gone", err)
		}
	})

	t.Run("connect respects context", func(t *testing.T) {
		fc := &fakeClient{pending: true}
		p := newPublisher(fc, config.MQTTConfig{}, aranet.NewNopLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := p.Connect(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Connect() error = %v, want deadline exceeded", err)
		}
	})

	t.Run("requires broker", func(t *testing.T) {
		if _, err := NewPublisher(config.MQTTConfig{Enabled: true}, nil); err == nil {
			t.Error("NewPublisher() without broker should return error")
		}
	})
}
