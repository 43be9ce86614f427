// Package scenario runs Lua test scenarios against a harness.System. A
// scenario is a script that drives faults on the buses, talks to the OBC
// and the radio link, and fails by raising an error.
package scenario

// ScriptMeta holds user-editable metadata for a scenario.
type ScriptMeta struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty,flow"`
	// Timeout overrides the engine timeout, as a Go duration string.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Script is one scenario stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // raw Lua source (without header)
	FilePath string     `json:"-"`
}
