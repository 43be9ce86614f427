//go:build no_scenario

package main

import (
	"log/slog"

	"obc-harness/internal/harness"
	"obc-harness/internal/scenario"
	"obc-harness/internal/web"
)

func initScenarios(_ *harness.System, _ *Config, _ *slog.Logger) (*scenario.Engine, []web.ServerOption) {
	return nil, nil
}

func runAll(_ *harness.System, _ *scenario.Engine, _ string, logger *slog.Logger) int {
	logger.Error("built without scenario support")
	return 1
}
