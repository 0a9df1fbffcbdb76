//go:build !no_automation

package automation

import "slices"

// ScriptMeta is the JSON header of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	// Devices limits the script to these configured chatterboxes. Empty
	// means every device.
	Devices []string `json:"devices,omitempty"`
}

// Script is one automation stored as <id>.lua in the scripts directory.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// Covers reports whether the script may observe and control device.
func (s *Script) Covers(device string) bool {
	return inScope(s.Meta.Devices, device)
}

func inScope(scope []string, device string) bool {
	return len(scope) == 0 || slices.Contains(scope, device)
}
