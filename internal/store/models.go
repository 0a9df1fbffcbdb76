package store

import "time"

// Device is the persisted record of a configured chatterbox.
type Device struct {
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	UniqueID  string    `json:"unique_id,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Model     string    `json:"model,omitempty"`
	Version   string    `json:"version,omitempty"`
	Zones     []Zone    `json:"zones,omitempty"`
	Online    bool      `json:"online"`
	LastError string    `json:"last_error,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Zone is a named zone slot as last read from the device.
type Zone struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}
