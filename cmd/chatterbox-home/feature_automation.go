//go:build !no_automation

package main

import (
	"log/slog"

	"chatterbox-go-home/internal/automation"
	"chatterbox-go-home/internal/coordinator"
	"chatterbox-go-home/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(coord, scriptMgr, logger, automation.SystemConfig{
		ExecAllowlist: cfg.Automation.ExecAllowlist,
		ExecTimeout:   cfg.Automation.ExecTimeout,
	})
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
