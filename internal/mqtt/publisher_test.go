package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aida-agent/aida/internal/config"
)

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration         { return 90 * time.Second }
func (fakeStats) Version() string               { return "1.2.3" }
func (fakeStats) Model() string                 { return "gpt-4o" }
func (fakeStats) ActiveSessions() int           { return 7 }
func (fakeStats) MessageCounts() (int64, int64) { return 42, 40 }
func (fakeStats) TurnsFailed() int64            { return 1 }

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "shop-aida",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "test-id", fakeStats{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "aida/shop-aida"},
		{"availabilityTopic", p.availabilityTopic(), "aida/shop-aida/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "aida/shop-aida/uptime/state"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/shop-aida/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "test-aida",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	p := New(cfg, "instance-123", fakeStats{}, nil)

	defs := p.sensorDefinitions()

	expectedEntities := []string{
		"uptime", "version", "model", "active_sessions",
		"messages_received", "messages_sent", "turns_failed",
	}
	if len(defs) != len(expectedEntities) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(expectedEntities))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entitySuffix] = true

		wantAvail := "aida/test-aida/availability"
		if d.config.AvailabilityTopic != wantAvail {
			t.Errorf("sensor %s: AvailabilityTopic = %q, want %q",
				d.entitySuffix, d.config.AvailabilityTopic, wantAvail)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q, should start with %q",
				d.entitySuffix, d.config.UniqueID, "instance-123_")
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	for _, name := range expectedEntities {
		if !entitySet[name] {
			t.Errorf("missing sensor definition for %q", name)
		}
	}
}

func TestPublisher_CounterSensorsAccumulate(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "test-aida",
		DiscoveryPrefix: "homeassistant",
	}
	p := New(cfg, "instance-123", fakeStats{}, nil)

	for _, d := range p.sensorDefinitions() {
		switch d.entitySuffix {
		case "messages_received", "messages_sent", "turns_failed":
			if d.config.StateClass != "total_increasing" {
				t.Errorf("sensor %s: StateClass = %q, want total_increasing",
					d.entitySuffix, d.config.StateClass)
			}
		case "active_sessions":
			if d.config.StateClass != "measurement" {
				t.Errorf("sensor %s: StateClass = %q, want measurement",
					d.entitySuffix, d.config.StateClass)
			}
		}
	}
}
