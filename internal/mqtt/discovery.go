//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"chatterbox-go-home/internal/chatterbox"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/chatterbox_001ec0aabbcc/climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	Name         string      `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload. Each component uses the
// subset of fields it understands.
type haDiscovery struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	Availability      []haAvailability `json:"availability"`
	AvailabilityMode  string           `json:"availability_mode,omitempty"`
	StateTopic        string           `json:"state_topic,omitempty"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	ValueTemplate     string           `json:"value_template,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	StateClass        string           `json:"state_class,omitempty"`
	PayloadOn         string           `json:"payload_on,omitempty"`
	PayloadOff        string           `json:"payload_off,omitempty"`

	// climate
	Modes                   []string `json:"modes,omitempty"`
	ModeStateTopic          string   `json:"mode_state_topic,omitempty"`
	ModeStateTemplate       string   `json:"mode_state_template,omitempty"`
	ModeCommandTopic        string   `json:"mode_command_topic,omitempty"`
	FanModes                []string `json:"fan_modes,omitempty"`
	FanModeStateTopic       string   `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate    string   `json:"fan_mode_state_template,omitempty"`
	FanModeCommandTopic     string   `json:"fan_mode_command_topic,omitempty"`
	TemperatureStateTopic   string   `json:"temperature_state_topic,omitempty"`
	TemperatureStateTmpl    string   `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic string   `json:"temperature_command_topic,omitempty"`
	CurrentTemperatureTopic string   `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTmpl  string   `json:"current_temperature_template,omitempty"`
	MinTemp                 float64  `json:"min_temp,omitempty"`
	MaxTemp                 float64  `json:"max_temp,omitempty"`
	TempStep                float64  `json:"temp_step,omitempty"`
	TemperatureUnit         string   `json:"temperature_unit,omitempty"`

	// cover
	PositionTopic    string `json:"position_topic,omitempty"`
	PositionTemplate string `json:"position_template,omitempty"`
	SetPositionTopic string `json:"set_position_topic,omitempty"`
	PayloadOpen      string `json:"payload_open,omitempty"`
	PayloadClose     string `json:"payload_close,omitempty"`
	StateOpen        string `json:"state_open,omitempty"`
	StateClosed      string `json:"state_closed,omitempty"`

	Device haDevice `json:"device"`
}

// Climate mode names as Home Assistant knows them.
const (
	haModeOff      = "off"
	haModeFanOnly  = "fan_only"
	haModeCool     = "cool"
	haModeHeat     = "heat"
	haModeHeatCool = "heat_cool"
)

var haModes = map[chatterbox.HVACMode]string{
	chatterbox.HVACOff:  haModeOff,
	chatterbox.HVACVent: haModeFanOnly,
	chatterbox.HVACCool: haModeCool,
	chatterbox.HVACHeat: haModeHeat,
	chatterbox.HVACAuto: haModeHeatCool,
}

var haFanModes = []string{"auto", "low", "medium", "high"}

// Temperature bounds offered to Home Assistant.
const (
	minTemp  = 15.0
	maxTemp  = 30.0
	tempStep = 0.5
)

func toHAMode(m chatterbox.HVACMode) string {
	if s, ok := haModes[m]; ok {
		return s
	}
	return string(m)
}

func fromHAMode(s string) (chatterbox.HVACMode, bool) {
	for m, ha := range haModes {
		if ha == s {
			return m, true
		}
	}
	return "", false
}

// slug lowercases s and keeps only characters safe for MQTT topics and
// HA object ids.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// displayName prefers the name the device reports for itself.
func displayName(st chatterbox.State) string {
	if st.Identity.Device != "" {
		return st.Identity.Device
	}
	return st.Name
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(st chatterbox.State) string {
	if st.UniqueID != "" {
		return "chatterbox_" + strings.ToLower(st.UniqueID)
	}
	return "chatterbox_" + slug(st.Name)
}

// deviceTopicName returns the topic name for a device.
func deviceTopicName(name string) string {
	return slug(name)
}

type topics struct {
	state   string
	avail   string
	bridge  string
	command string
}

func deviceTopics(prefix, name string) topics {
	base := prefix + "/" + deviceTopicName(name)
	return topics{
		state:   base,
		avail:   base + "/availability",
		bridge:  prefix + "/bridge/state",
		command: base + "/set",
	}
}

// buildDiscovery generates HA discovery messages for a device: one climate
// entity, a switch and a damper cover per zone, and the diagnostic sensors.
func buildDiscovery(st chatterbox.State, prefix string) []discoveryMsg {
	if st.Identity.MAC == "" {
		return nil
	}

	tp := deviceTopics(prefix, st.Name)
	nodeID := deviceIdentifier(st)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Connections:  [][2]string{{"mac", st.Identity.MAC}},
		Manufacturer: "Sygnal",
		Model:        st.Identity.Device,
		SWVersion:    st.Identity.Version,
		Name:         displayName(st),
	}
	base := func(objectID, name string) haDiscovery {
		return haDiscovery{
			Name:             name,
			UniqueID:         nodeID + "_" + objectID,
			Availability:     []haAvailability{{Topic: tp.bridge}, {Topic: tp.avail}},
			AvailabilityMode: "all",
			Device:           haDev,
		}
	}

	var msgs []discoveryMsg

	climate := base("climate", st.Name)
	climate.Modes = []string{haModeOff, haModeFanOnly, haModeCool, haModeHeat, haModeHeatCool}
	climate.ModeStateTopic = tp.state
	climate.ModeStateTemplate = "{{ value_json.hvac_mode }}"
	climate.ModeCommandTopic = tp.command + "/hvac_mode"
	climate.FanModes = haFanModes
	climate.FanModeStateTopic = tp.state
	climate.FanModeStateTemplate = "{{ value_json.fan_mode }}"
	climate.FanModeCommandTopic = tp.command + "/fan_mode"
	climate.TemperatureStateTopic = tp.state
	climate.TemperatureStateTmpl = "{{ value_json.target_temperature }}"
	climate.TemperatureCommandTopic = tp.command + "/temperature"
	climate.CurrentTemperatureTopic = tp.state
	climate.CurrentTemperatureTmpl = "{{ value_json.current_temperature }}"
	climate.MinTemp = minTemp
	climate.MaxTemp = maxTemp
	climate.TempStep = tempStep
	climate.TemperatureUnit = "C"
	msgs = append(msgs, discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/climate/%s/climate/config", nodeID),
		Payload: mustJSON(climate),
	})

	for _, z := range st.Zones {
		zs := slug(z.Name)
		key := "zone_" + zs

		sw := base(key, st.Name+" "+z.Name)
		sw.StateTopic = tp.state
		sw.CommandTopic = tp.command + "/zone/" + zs
		sw.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", key)
		sw.PayloadOn = "ON"
		sw.PayloadOff = "OFF"
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/switch/%s/%s/config", nodeID, key),
			Payload: mustJSON(sw),
		})

		cover := base(key+"_damper", st.Name+" "+z.Name+" Damper")
		cover.DeviceClass = "damper"
		cover.StateTopic = tp.state
		cover.ValueTemplate = fmt.Sprintf("{{ 'open' if value_json.%s == 'ON' else 'closed' }}", key)
		cover.StateOpen = "open"
		cover.StateClosed = "closed"
		cover.CommandTopic = tp.command + "/zone/" + zs
		cover.PayloadOpen = "ON"
		cover.PayloadClose = "OFF"
		cover.PositionTopic = tp.state
		cover.PositionTemplate = fmt.Sprintf("{{ value_json.%s_position }}", key)
		cover.SetPositionTopic = tp.command + "/zone/" + zs + "/position"
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/cover/%s/%s/config", nodeID, key),
			Payload: mustJSON(cover),
		})

		msgs = append(msgs, buildSensor(base(key+"_measured", st.Name+" "+z.Name+" Damper Measured"),
			nodeID, tp.state, "", "%", key+"_measured"))
	}

	msgs = append(msgs,
		buildSensor(base("outside_coil_temperature", st.Name+" Outside Coil Temperature"),
			nodeID, tp.state, "temperature", "°C", "outside_coil_temperature"),
		buildSensor(base("inside_coil_temperature", st.Name+" Inside Coil Temperature"),
			nodeID, tp.state, "temperature", "°C", "inside_coil_temperature"),
		buildSensor(base("discharge_temperature", st.Name+" Discharge Temperature"),
			nodeID, tp.state, "temperature", "°C", "discharge_temperature"),
		buildSensor(base("compressor_loading", st.Name+" Compressor Loading"),
			nodeID, tp.state, "", "", "compressor_loading"),
	)

	status := base("status", st.Name+" Status")
	status.StateTopic = tp.state
	status.ValueTemplate = "{{ value_json.status }}"
	msgs = append(msgs, discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/status/config", nodeID),
		Payload: mustJSON(status),
	})

	return msgs
}

func buildSensor(d haDiscovery, nodeID, stateTopic, deviceClass, unit, field string) discoveryMsg {
	d.StateTopic = stateTopic
	d.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", field)
	d.DeviceClass = deviceClass
	d.UnitOfMeasurement = unit
	d.StateClass = "measurement"
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, field),
		Payload: mustJSON(d),
	}
}

// buildRemoveDiscovery generates empty retained messages for zone entities
// that existed in prev but are gone from cur.
func buildRemoveDiscovery(nodeID string, prev, cur []string) []discoveryMsg {
	keep := make(map[string]bool, len(cur))
	for _, z := range cur {
		keep[slug(z)] = true
	}
	var msgs []discoveryMsg
	for _, z := range prev {
		zs := slug(z)
		if keep[zs] {
			continue
		}
		key := "zone_" + zs
		for _, c := range []struct{ comp, obj string }{
			{"switch", key},
			{"cover", key},
			{"sensor", key + "_measured"},
		} {
			msgs = append(msgs, discoveryMsg{
				Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
				Payload: nil, // empty retained = delete
			})
		}
	}
	return msgs
}
