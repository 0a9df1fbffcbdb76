//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"chatterbox-go-home/internal/chatterbox"
	"chatterbox-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Bridge connects the coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()

	mu    sync.Mutex
	zones map[string][]string // device name -> zones in the last discovery
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, nil, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "chatterbox-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, client pahomqtt.Client, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		client: client,
		coord:  coord,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		zones:  make(map[string][]string),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
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

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, dev := range b.coord.Devices() {
		b.subscribeDeviceCommands(dev.Name())
		status, err := b.coord.Status(dev.Name())
		if err != nil {
			continue
		}
		if status.Online {
			b.publishAvailability(dev.Name(), "online")
			st := dev.Snapshot()
			b.publishDiscovery(st)
			b.publishState(st)
		}
	}
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateUpdate:
		if st, ok := event.Data.(chatterbox.State); ok {
			b.publishState(st)
		}
	case coordinator.EventDeviceOnline:
		b.publishAvailability(event.Device, "online")
		if dev, err := b.coord.Device(event.Device); err == nil {
			b.publishDiscovery(dev.Snapshot())
		}
	case coordinator.EventZonesChanged:
		if dev, err := b.coord.Device(event.Device); err == nil {
			b.publishDiscovery(dev.Snapshot())
		}
	case coordinator.EventDeviceOffline:
		b.publishAvailability(event.Device, "offline")
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAvailability(name, state string) {
	b.publish(deviceTopics(b.prefix, name).avail, []byte(state), true)
}

func (b *Bridge) publishState(st chatterbox.State) {
	b.publish(deviceTopics(b.prefix, st.Name).state, mustJSON(statePayload(st)), true)
}

// publishDiscovery announces every entity of the device and withdraws zone
// entities that are no longer present.
func (b *Bridge) publishDiscovery(st chatterbox.State) {
	msgs := buildDiscovery(st, b.prefix)
	if len(msgs) == 0 {
		return
	}
	cur := make([]string, len(st.Zones))
	for i, z := range st.Zones {
		cur[i] = z.Name
	}

	b.mu.Lock()
	prev := b.zones[st.Name]
	b.zones[st.Name] = cur
	b.mu.Unlock()

	for _, msg := range buildRemoveDiscovery(deviceIdentifier(st), prev, cur) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", st.Name, "zones", len(cur))
}

func (b *Bridge) subscribeDeviceCommands(name string) {
	base := deviceTopics(b.prefix, name).command
	b.client.Subscribe(base+"/#", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(name, strings.TrimPrefix(msg.Topic(), base), msg.Payload())
	})
}

func (b *Bridge) handleCommand(name, sub string, payload []byte) {
	dev, err := b.coord.Device(name)
	if err != nil {
		b.logger.Warn("command for unknown device", "device", name)
		return
	}
	cmd, err := parseCommand(sub, payload, dev.Zones())
	if err != nil {
		b.logger.Warn("invalid command", "device", name, "topic", sub, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	if _, err := b.coord.Apply(ctx, name, cmd); err != nil {
		b.logger.Warn("command failed", "device", name, "topic", sub, "err", err)
	}
}

// parseCommand turns a message on <device>/set<sub> into a Command. sub is
// "" for a JSON command object, or one of /power, /hvac_mode, /fan_mode,
// /temperature, /zone/<zone> and /zone/<zone>/position with a plain payload.
func parseCommand(sub string, payload []byte, zones []string) (coordinator.Command, error) {
	var cmd coordinator.Command
	text := strings.TrimSpace(string(payload))

	switch {
	case sub == "" || sub == "/":
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return cmd, fmt.Errorf("%w: decode command: %v", chatterbox.ErrInvalidArgument, err)
		}
		if cmd.HVACMode != nil {
			m := parseHVACMode(string(*cmd.HVACMode))
			cmd.HVACMode = &m
		}
		if cmd.FanMode != nil {
			f := parseFanMode(string(*cmd.FanMode))
			cmd.FanMode = &f
		}
		if cmd.Zone != "" {
			cmd.Zone = resolveZone(cmd.Zone, zones)
		}
	case sub == "/power":
		on, err := parseOnOff(text)
		if err != nil {
			return cmd, err
		}
		cmd.Power = &on
	case sub == "/hvac_mode":
		m := parseHVACMode(text)
		cmd.HVACMode = &m
	case sub == "/fan_mode":
		f := parseFanMode(text)
		cmd.FanMode = &f
	case sub == "/temperature":
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return cmd, fmt.Errorf("%w: temperature %q", chatterbox.ErrInvalidArgument, text)
		}
		cmd.Temperature = &v
	case strings.HasPrefix(sub, "/zone/"):
		rest := strings.TrimPrefix(sub, "/zone/")
		if zone, ok := strings.CutSuffix(rest, "/position"); ok {
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return cmd, fmt.Errorf("%w: position %q", chatterbox.ErrInvalidArgument, text)
			}
			pos := int(math.Round(v))
			cmd.Zone = resolveZone(zone, zones)
			cmd.DamperPosition = &pos
			break
		}
		on, err := parseOnOff(text)
		if err != nil {
			return cmd, err
		}
		cmd.Zone = resolveZone(rest, zones)
		cmd.ZoneEnabled = &on
	default:
		return cmd, fmt.Errorf("%w: unknown command topic %q", chatterbox.ErrInvalidArgument, sub)
	}
	return cmd, cmd.Validate()
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "ON", "OPEN", "TRUE", "1":
		return true, nil
	case "OFF", "CLOSE", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected ON or OFF, got %q", chatterbox.ErrInvalidArgument, s)
}

// parseHVACMode accepts both HA and native mode names. Unknown names pass
// through so the device rejects them.
func parseHVACMode(s string) chatterbox.HVACMode {
	s = strings.ToLower(s)
	if m, ok := fromHAMode(s); ok {
		return m
	}
	return chatterbox.HVACMode(s)
}

func parseFanMode(s string) chatterbox.FanMode {
	return chatterbox.FanMode(strings.ReplaceAll(strings.ToLower(s), "_", " "))
}

// resolveZone maps a topic slug back to the zone's name.
func resolveZone(s string, zones []string) string {
	if slices.Contains(zones, s) {
		return s
	}
	for _, z := range zones {
		if slug(z) == s {
			return z
		}
	}
	return s
}

// statePayload flattens a State into the JSON document published on the
// device's state topic.
func statePayload(st chatterbox.State) map[string]any {
	power := "OFF"
	if st.On {
		power = "ON"
	}
	out := map[string]any{
		"state":                    power,
		"hvac_mode":                toHAMode(st.HVACMode),
		"fan_mode":                 strings.ReplaceAll(string(st.FanMode), " ", "_"),
		"target_temperature":       st.TargetTemperature,
		"current_temperature":      st.CurrentTemperature,
		"outside_coil_temperature": st.OutsideCoilTemperature,
		"inside_coil_temperature":  st.InsideCoilTemperature,
		"discharge_temperature":    st.DischargeTemperature,
		"compressor_loading":       st.CompressorLoading,
		"status":                   st.Status,
	}
	if !st.UpdatedAt.IsZero() {
		out["last_seen"] = st.UpdatedAt.Format(time.RFC3339)
	}
	for _, z := range st.Zones {
		key := "zone_" + slug(z.Name)
		enabled := "OFF"
		if z.Enabled {
			enabled = "ON"
		}
		out[key] = enabled
		out[key+"_position"] = z.DamperPosition
		out[key+"_measured"] = z.MeasuredDamperPosition
	}
	return out
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
