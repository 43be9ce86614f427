//go:build no_mqtt

package main

import (
	"log/slog"

	"obc-harness/internal/harness"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *harness.System, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
