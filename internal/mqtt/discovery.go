//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"obc-harness/internal/beacon"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/obc_harness/eps_battery_voltage/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	CommandTemplate   string   `json:"command_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

const nodeID = "obc_harness"

func harnessDevice() haDevice {
	return haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "obc-harness",
		Model:        "HIL bench",
		Name:         "OBC harness",
	}
}

// objectID turns a beacon key like "antenna[1].armed" into a topic-safe
// id.
func objectID(key string) string {
	id := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(key))
	return strings.Trim(strings.ReplaceAll(id, "__", "_"), "_")
}

// buildBusDiscovery exposes each bus as a latched binary sensor plus a
// switch that disables it.
func buildBusDiscovery(prefix string, buses []string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	haDev := harnessDevice()
	var msgs []discoveryMsg
	for _, bus := range buses {
		stateTopic := prefix + "/bus/" + bus + "/state"
		latched := haDiscovery{
			Name:              bus + " bus latched",
			UniqueID:          nodeID + "_" + bus + "_latched",
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'ON' if value_json.latched else 'OFF' }}",
			DeviceClass:       "problem",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/binary_sensor/%s/%s_latched/config", nodeID, bus),
			Payload: mustJSON(latched),
		})
		enabled := haDiscovery{
			Name:              bus + " bus",
			UniqueID:          nodeID + "_" + bus + "_enabled",
			StateTopic:        stateTopic,
			CommandTopic:      prefix + "/bus/" + bus + "/set",
			AvailabilityTopic: avail,
			ValueTemplate:     "{{ 'OFF' if value_json.disabled else 'ON' }}",
			CommandTemplate:   `{"disabled": {{ 'false' if value == 'ON' else 'true' }}}`,
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
			Device:            haDev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/switch/%s/%s_bus/config", nodeID, bus),
			Payload: mustJSON(enabled),
		})
	}
	return msgs
}

// buildBeaconDiscovery publishes one sensor per beacon field, all reading
// the retained beacon topic.
func buildBeaconDiscovery(prefix string, schema *beacon.Schema) []discoveryMsg {
	if schema == nil {
		return nil
	}
	avail := prefix + "/bridge/state"
	haDev := harnessDevice()
	keys := schema.Keys()
	msgs := make([]discoveryMsg, 0, len(keys))
	for _, key := range keys {
		id := objectID(key)
		payload := haDiscovery{
			Name:              key,
			UniqueID:          nodeID + "_" + id,
			StateTopic:        prefix + "/beacon",
			AvailabilityTopic: avail,
			ValueTemplate:     fmt.Sprintf("{{ value_json.values[%q] }}", key),
			UnitOfMeasurement: beaconUnit(key),
			Device:            haDev,
		}
		if payload.UnitOfMeasurement != "" {
			payload.StateClass = "measurement"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, id),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// beaconUnit guesses the unit from the field name suffix.
func beaconUnit(key string) string {
	switch {
	case strings.HasSuffix(key, "voltage"):
		return "V"
	case strings.HasSuffix(key, "current"):
		return "A"
	case strings.HasSuffix(key, "temperature"):
		return "°C"
	case strings.HasSuffix(key, "rssi"):
		return "dBm"
	case strings.HasSuffix(key, "uptime"), strings.HasSuffix(key, "mission_time"):
		return "s"
	}
	return ""
}
