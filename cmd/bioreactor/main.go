package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"bioreactor/internal/config"
	"bioreactor/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults: simulator backend)")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bioreactor: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		var cfg config.Config
		err := config.DefaultAndValidate(&cfg)
		return cfg, err
	}
	return config.Load(path)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log := newLogger(cfg.Log.Level, io.MultiWriter(os.Stderr, logs))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newService(cfg, log, logs)
	if err != nil {
		return err
	}
	defer rt.Close()

	log.Info("bioreactor starting", "config", configPath, "backend", cfg.Hardware.Backend)
	err = rt.Run(ctx, func() {
		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warn("sd_notify failed", "error", err)
		} else if ok {
			log.Debug("sd_notify ready sent")
		}
	})
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("bioreactor stopping")
	return err
}
