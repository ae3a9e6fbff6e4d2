package config

import "log/slog"

// Environment adapts Config to upstream.Environment: the opaque
// collaborator spec.md §6 describes, which supplies an upstream URL
// and bearer credential and may legitimately have neither yet.
type Environment struct {
	cfg *Config
}

// NewEnvironment wraps cfg as an upstream.Environment.
func NewEnvironment(cfg *Config) *Environment {
	return &Environment{cfg: cfg}
}

// Load re-reads the backing config file so that a URL or token written
// after broker startup is picked up on the next reconnect attempt; a
// reload failure just falls back to the last known values, logged and
// otherwise ignored, since the supervisor will retry regardless.
func (e *Environment) Load() (endpointURL, token string) {
	fresh, err := e.cfg.Reload()
	if err != nil {
		slog.Debug("config: reload failed, using last known values", "error", err)
		return e.cfg.UpstreamURL, e.cfg.Token
	}
	e.cfg = fresh
	return fresh.UpstreamURL, fresh.Token
}
