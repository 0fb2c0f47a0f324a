package main

import (
	"fmt"
	"log/slog"

	"strata/internal/config"
	"strata/internal/engine"
)

func withEngine(cfg *config.Config, fn func(*engine.Engine) error) error {
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}
	eng, err := engine.Open(cfg, engine.Options{Logger: slog.Default().With("component", "engine")})
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}
