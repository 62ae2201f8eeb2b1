package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/internal/api"
	"github.com/pioneer-wyt/wyt-bridge/internal/config"
	"github.com/pioneer-wyt/wyt-bridge/internal/integration"
	"github.com/pioneer-wyt/wyt-bridge/internal/storage"
	"github.com/pioneer-wyt/wyt-bridge/internal/thermostat"
	"github.com/pioneer-wyt/wyt-bridge/pkg/tuya"
)

func main() {
	var configPath = flag.String("config", "config/bridge.yml", "path to config file")
	var validateOnly = flag.Bool("validate", false, "validate configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *validateOnly {
		fmt.Println("configuration OK")
		return
	}

	version, _ := tuya.ParseVersion(cfg.Device.Protocol)
	log.Info().
		Str("device_id", cfg.Device.DeviceID).
		Str("device_addr", cfg.DeviceAddr()).
		Str("protocol", string(version)).
		Msg("wyt-bridge starting")

	table, err := thermostat.LoadTable(cfg.Datapoints)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load datapoint table")
	}

	dev, err := tuya.NewDevice(tuya.Options{
		Address:       cfg.DeviceAddr(),
		DeviceID:      cfg.Device.DeviceID,
		LocalKey:      cfg.LocalKeyBytes(),
		Version:       version,
		AutoReconnect: *cfg.Device.AutoReconnect,
		UseHeartbeat:  cfg.Device.UseHeartbeat,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create device client")
	}

	ctrl := thermostat.NewController(dev, table,
		time.Duration(cfg.Device.PollIntervalSec)*time.Second)

	var store storage.Store = storage.NopStore{}
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect telemetry database")
		}
		defer pg.Close()
		store = pg
		attachRecorder(ctrl, store, cfg.Device.DeviceID)
		log.Info().Msg("telemetry store enabled")
	}

	if cfg.NATS.URL != "" {
		pub, err := integration.NewPublisher(cfg.NATS.URL, cfg.Device.DeviceID,
			cfg.NATS.MaxReconnects, cfg.NATS.ReconnectInterval)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect NATS")
		}
		defer pub.Close()
		pub.Attach(ctrl)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS publisher enabled")
	}

	server := api.NewRESTServer(cfg, ctrl, store)

	go func() {
		if err := server.ListenAndServe(cfg.BridgeAddr()); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	if err := ctrl.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("device disconnect")
	}
	log.Info().Msg("wyt-bridge stopped")
}

// attachRecorder writes every attribute change into the telemetry store.
func attachRecorder(ctrl *thermostat.Controller, store storage.Store, deviceID string) {
	ctrl.Subscribe(func(u thermostat.Update) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := store.RecordDPChange(ctx, &storage.DPChange{
			DeviceID:  deviceID,
			Attribute: u.Attribute,
			Value:     fmt.Sprint(u.Value),
		})
		if err != nil {
			log.Warn().Err(err).Str("attribute", u.Attribute).Msg("record telemetry failed")
		}
	})
}
