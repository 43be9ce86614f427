//go:build !no_mqtt

// Package mqtt mirrors harness activity to an MQTT broker: bus state,
// faults, downlink frames and decoded beacons are published, and bus fault
// injection and uplink frames are accepted as commands.
package mqtt

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"obc-harness/internal/beacon"
	"obc-harness/internal/comm"
	"obc-harness/internal/devices"
	"obc-harness/internal/events"
	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Harness is the part of harness.System the bridge needs.
type Harness interface {
	Events() *events.Bus
	Controller() *i2c.Controller
	Comm() *comm.Comm
	Schemas() *beacon.Registry
}

// message is one publication.
type message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Bridge connects the harness to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	sys    Harness
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(sys Harness, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(sys, cfg.TopicPrefix, logger)
	if cfg.ClientID == "" {
		cfg.ClientID = "obc-harness"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.publishBusStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

func newBridge(sys Harness, prefix string, logger *slog.Logger) *Bridge {
	if prefix == "" {
		prefix = "obc-harness"
	}
	return &Bridge{sys: sys, prefix: prefix, logger: logger.With("component", "mqtt")}
}

// Start subscribes to harness events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.sys.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	for _, m := range b.route(event) {
		b.publish(m.Topic, m.Payload, m.Retained)
	}
}

// route maps a harness event to its publications.
func (b *Bridge) route(event events.Event) []message {
	switch data := event.Data.(type) {
	case i2c.StateEvent:
		return []message{{Topic: b.prefix + "/bus/" + data.Bus + "/state", Payload: mustJSON(data), Retained: true}}
	case i2c.FaultEvent:
		return []message{{Topic: b.prefix + "/bus/" + data.Bus + "/fault", Payload: mustJSON(data)}}
	case frame.Frame:
		payload := mustJSON(map[string]any{
			"apid":           data.APID,
			"seq":            data.Seq,
			"correlation_id": data.CorrelationID,
			"payload":        hex.EncodeToString(data.Payload),
		})
		return []message{{Topic: fmt.Sprintf("%s/downlink/%d", b.prefix, data.APID), Payload: payload}}
	case devices.PowerCycleEvent:
		return []message{{Topic: b.prefix + "/eps/power_cycle", Payload: mustJSON(data)}}
	}
	if event.Type == events.BeaconDecoded {
		return []message{{Topic: b.prefix + "/beacon", Payload: mustJSON(event.Data), Retained: true}}
	}
	return []message{{Topic: b.prefix + "/events/" + strings.ReplaceAll(event.Type, ".", "/"), Payload: mustJSON(event.Data)}}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) buses() []string {
	if b.sys.Controller().SingleBus() {
		return []string{i2c.SystemBus.String()}
	}
	return []string{i2c.SystemBus.String(), i2c.PayloadBus.String()}
}

func (b *Bridge) publishDiscovery() {
	msgs := buildBusDiscovery(b.prefix, b.buses())
	msgs = append(msgs, buildBeaconDiscovery(b.prefix, b.sys.Schemas().Latest())...)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "entities", len(msgs))
}

func (b *Bridge) publishBusStates() {
	for _, name := range b.buses() {
		bus, err := i2c.ParseBus(name)
		if err != nil {
			continue
		}
		st := b.sys.Controller().State(bus)
		b.publish(b.prefix+"/bus/"+st.Bus+"/state", mustJSON(st), true)
	}
}

func (b *Bridge) subscribeCommands() {
	for _, name := range b.buses() {
		bus, err := i2c.ParseBus(name)
		if err != nil {
			continue
		}
		b.client.Subscribe(b.prefix+"/bus/"+name+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			if err := b.handleBusCommand(bus, msg.Payload()); err != nil {
				b.logger.Warn("bus command", "bus", bus, "err", err)
			}
		})
	}
	b.client.Subscribe(b.prefix+"/uplink", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := b.handleUplink(msg.Payload()); err != nil {
			b.logger.Warn("uplink command", "err", err)
		}
	})
}

// busCommand sets fault flags; absent fields are left alone.
type busCommand struct {
	Disabled *bool `json:"disabled"`
	Latched  *bool `json:"latched"`
	Frozen   *bool `json:"frozen"`
}

func (b *Bridge) handleBusCommand(bus i2c.BusSelector, payload []byte) error {
	var cmd busCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid command JSON: %w", err)
	}
	ctrl := b.sys.Controller()
	if cmd.Disabled != nil {
		switch {
		case bus == i2c.SystemBus && *cmd.Disabled:
			ctrl.DisableBus()
		case bus == i2c.SystemBus:
			ctrl.EnableBus()
		case *cmd.Disabled:
			ctrl.DisablePayload()
		default:
			ctrl.EnablePayload()
		}
	}
	if cmd.Latched != nil {
		if *cmd.Latched {
			ctrl.Latch(bus)
		} else {
			ctrl.Unlatch(bus)
		}
	}
	if cmd.Frozen != nil {
		if *cmd.Frozen {
			ctrl.Freeze(bus)
		} else {
			ctrl.Unfreeze(bus)
		}
	}
	return nil
}

// uplinkCommand is a raw telecommand: {"apid": 80, "payload": "hex"}.
type uplinkCommand struct {
	APID    uint8  `json:"apid"`
	Payload string `json:"payload"`
}

func (b *Bridge) handleUplink(payload []byte) error {
	var cmd uplinkCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid uplink JSON: %w", err)
	}
	data, err := hex.DecodeString(cmd.Payload)
	if err != nil {
		return fmt.Errorf("invalid uplink payload: %w", err)
	}
	b.sys.Comm().PutFrame(frame.Raw{ID: cmd.APID, Data: data})
	return nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
