//go:build !no_scenario

package main

import (
	"context"
	"log/slog"

	"obc-harness/internal/harness"
	"obc-harness/internal/scenario"
	"obc-harness/internal/web"
)

func initScenarios(sys *harness.System, cfg *Config, logger *slog.Logger) (*scenario.Engine, []web.ServerOption) {
	mgr, err := scenario.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create scenario manager", "err", err)
		return nil, nil
	}
	timeout, _ := parseDuration(cfg.Scenario.Timeout)
	engine := scenario.NewEngine(sys, mgr, logger, scenario.Config{
		Timeout:        timeout,
		RestartBetween: cfg.Scenario.RestartBetween,
	})
	return engine, []web.ServerOption{web.WithScenarios(engine)}
}

// runAll runs the enabled scenarios carrying tag, or all of them when tag
// is empty. It closes the run with the outcome and returns the exit code.
func runAll(sys *harness.System, engine *scenario.Engine, tag string, logger *slog.Logger) int {
	if engine == nil {
		logger.Error("scenario engine not available")
		return 1
	}
	results, err := engine.RunTagged(context.Background(), tag)
	if err != nil {
		logger.Error("run scenarios", "err", err)
	}
	for _, r := range results {
		if r.OK {
			logger.Info("PASS", "scenario", r.Script, "duration", r.Duration)
		} else {
			logger.Error("FAIL", "scenario", r.Script, "duration", r.Duration, "err", r.Error)
		}
	}

	result := "pass"
	if err != nil || !scenario.Passed(results) {
		result = "fail"
	}
	if err := sys.Finish(result); err != nil {
		logger.Error("finish run", "err", err)
	}
	logger.Info("scenarios finished", "total", len(results), "result", result)
	if result != "pass" {
		return 1
	}
	return 0
}
