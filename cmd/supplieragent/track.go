package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/tracking"
	"github.com/example/agrilink/pkg/observability"
)

// loadAgentConfig resolves config from file and env, then applies explicitly set flags.
func loadAgentConfig(cmd *cli.Command) (config.Agent, error) {
	cfg, err := config.LoadAgent(viper.New(), cmd.String(ConfigFlag))
	if err != nil {
		return cfg, err
	}
	if cmd.IsSet(ServerURLFlag) {
		cfg.ServerURL = cmd.String(ServerURLFlag)
	}
	if cmd.IsSet(TokenFlag) {
		cfg.Token = cmd.String(TokenFlag)
	}
	if cmd.IsSet(SupplierIDFlag) {
		cfg.SupplierID = cmd.String(SupplierIDFlag)
	}
	if cmd.IsSet(UsernameFlag) {
		cfg.Username = cmd.String(UsernameFlag)
	}
	if cmd.IsSet(ServiceAreaFlag) {
		cfg.ServiceArea = cmd.String(ServiceAreaFlag)
	}
	if cmd.IsSet(HeartbeatFlag) {
		cfg.Heartbeat = cmd.Duration(HeartbeatFlag)
	}
	if cmd.IsSet(StateDirFlag) {
		cfg.StateDir = cmd.String(StateDirFlag)
	}
	if cmd.IsSet(HistoryURLFlag) {
		cfg.HistoryURL = cmd.String(HistoryURLFlag)
	}
	return cfg, nil
}

// RunTrack publishes the device position until interrupted.
func RunTrack(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := observability.SetupLogger("supplier-agent", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	store, err := tracking.OpenBadgerResumeStore(cfg.StateDir, cfg.SupplierID)
	if err != nil {
		return err
	}
	defer store.Close()

	source := tracking.NewSimulatedSource(tracking.SimulatedConfig{
		Start:      geo.Point{Lat: cfg.Simulation.StartLat, Lng: cfg.Simulation.StartLng},
		SpeedMPS:   cfg.Simulation.SpeedMPS,
		HeadingDeg: cfg.Simulation.HeadingDeg,
		Interval:   cfg.Simulation.Interval,
	})

	var persister tracking.Persister
	if cfg.HistoryURL != "" {
		persister = tracking.NewHTTPPersister(cfg.HistoryURL, cfg.Token, nil)
	}

	pub := tracking.NewWSPublisher(tracking.WSConfig{
		URL:         cfg.ServerURL,
		Token:       cfg.Token,
		SupplierID:  cfg.SupplierID,
		Username:    cfg.Username,
		ServiceArea: cfg.ServiceArea,
	}, nil, logger.Named("channel"))
	tracker := tracking.New(tracking.Config{
		SupplierID:  cfg.SupplierID,
		Heartbeat:   cfg.Heartbeat,
		MinDistance: cfg.MinDistance,
		FixTimeout:  cfg.FixTimeout,
	}, source, pub, persister, store, logger.Named("tracker"))
	pub.SetListener(tracker)

	// The channel outlives ctx so the offline frame can still go out on shutdown.
	chanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pub.Run(chanCtx) }()

	resumed, err := tracker.Resume(chanCtx)
	if err != nil {
		return err
	}
	if !resumed {
		if err := tracker.Start(chanCtx); err != nil {
			return fmt.Errorf("start tracking: %w", err)
		}
	}

	<-ctx.Done()
	if !cmd.Bool(KeepFlag) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := tracker.Stop(stopCtx); err != nil {
			logger.Warn("stop tracking", zap.Error(err))
		}
	}
	cancel()
	return <-done
}
