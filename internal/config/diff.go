package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport and
// storage changes require a restart.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level changed.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when the system prompt or context note
	// changed. Applies to the next session, not the running one.
	AgentChanged bool

	// DirectoryChanged is true when the business directory changed.
	DirectoryChanged bool

	// DelaysChanged is true when a simulated tool delay changed.
	DelaysChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AgentChanged || d.DirectoryChanged || d.DelaysChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent != new.Agent {
		d.AgentChanged = true
	}

	if !slices.Equal(old.Tools.Directory, new.Tools.Directory) {
		d.DirectoryChanged = true
	}

	if old.Tools.CallConnectDelay != new.Tools.CallConnectDelay ||
		old.Tools.DirectorySearchDelay != new.Tools.DirectorySearchDelay {
		d.DelaysChanged = true
	}

	return d
}
