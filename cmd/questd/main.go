package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"questd/internal/app"
	"questd/internal/config"
	logx "questd/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		seedPath string
		envFile  string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&seedPath, "seed", "", "optional seed file loaded into storage before start")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with QUESTD_* overrides (missing is fine)")
	flag.Parse()

	// Until the configured log service exists.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	if err := config.LoadDotEnv(envFile); err != nil {
		boot.Error("load env failed", logx.Err(err))
		os.Exit(1)
	}

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if seedPath != "" {
		if _, err := a.Seed(context.Background(), seedPath); err != nil {
			boot.Error("seed failed", logx.Err(err))
			_ = a.Stop(context.Background(), app.StopFatalError)
			os.Exit(1)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(context.Background()); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGINT
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	fatal := a.Err()
	_ = a.Stop(ctx, reason)
	if fatal != nil {
		boot.Error("exited on fatal error", logx.Err(fatal))
		cancel()
		os.Exit(1)
	}
}
