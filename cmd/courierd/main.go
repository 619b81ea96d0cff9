package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xxmessenger/courier/internal/config"
	"github.com/xxmessenger/courier/internal/daemon"
	"github.com/xxmessenger/courier/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	levelFlag := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fail("load config: %v", err)
	}
	if err := cfg.ApplyEnv(profile.EnvPath()); err != nil {
		fail("apply environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("invalid config: %v", err)
	}

	name := profile.Resolve(*profileFlag, cfg)
	if err := profile.ValidateName(name); err != nil {
		fail("%v", err)
	}
	level, err := zapcore.ParseLevel(*levelFlag)
	if err != nil {
		fail("%v", err)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, Config: cfg, LogLevel: level}),
	)
	app.Run()
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
