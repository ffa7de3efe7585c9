package config

import "go.uber.org/zap/zapcore"

// parseLevel parses a zap level name, returning nil on failure so
// callers can fall back to the logging package's default.
func parseLevel(s string) (*zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}
	return &l, nil
}
