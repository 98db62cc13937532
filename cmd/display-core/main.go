// Package main is the entry point for the nina-display core service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/config"
	"github.com/unklstewy/nina-display/internal/conn"
	"github.com/unklstewy/nina-display/internal/events"
	"github.com/unklstewy/nina-display/internal/notify"
	"github.com/unklstewy/nina-display/internal/ota"
	"github.com/unklstewy/nina-display/internal/perf"
	"github.com/unklstewy/nina-display/internal/power"
	"github.com/unklstewy/nina-display/internal/push"
	"github.com/unklstewy/nina-display/internal/scheduler"
	"github.com/unklstewy/nina-display/internal/status"
	"github.com/unklstewy/nina-display/internal/webapi"
	"github.com/unklstewy/nina-display/pkg/healthcheck"
)

// version is stamped at build time via -ldflags.
var version = "v0.0.0-dev"

func main() {
	configFile := flag.String("config", "", "Bootstrap config file (optional)")
	listenAddr := flag.String("listen", "", "HTTP listen address override")
	dataDir := flag.String("data-dir", "", "Data directory override")
	logLevel := flag.String("log-level", "", "Log level override (debug, info)")
	flag.Parse()

	v := viper.New()
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "/var/lib/nina-display")
	v.SetDefault("log_level", "info")
	v.SetDefault("feed_url", ota.DefaultFeedURL)
	v.SetEnvPrefix("NINA_DISPLAY")
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			panic("failed to read config file: " + err.Error())
		}
	}
	if *listenAddr != "" {
		v.Set("listen", *listenAddr)
	}
	if *dataDir != "" {
		v.Set("data_dir", *dataDir)
	}
	if *logLevel != "" {
		v.Set("log_level", *logLevel)
	}

	var logger *zap.Logger
	var err error
	switch v.GetString("log_level") {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	dir := v.GetString("data_dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.String("dir", dir), zap.Error(err))
	}

	logger.Info("Starting nina-display core",
		zap.String("version", version),
		zap.String("listen", v.GetString("listen")),
		zap.String("data_dir", dir))

	log := events.NewLog(events.DefaultCapacity, logger)
	stats := events.NewStats(config.NumInstances, events.DefaultPointCapacity)
	tracker := conn.NewTracker(config.NumInstances, log, logger)

	// Hooks close over components constructed below; by the time the
	// config store dispatches anything, wiring is complete.
	var (
		sched   *scheduler.Scheduler
		router  *notify.Router
		monitor *perf.Monitor
	)
	hooks := config.Hooks{
		SetPanelBrightness: func(pct int) {
			if router != nil {
				router.PublishScreenState(pct)
			}
		},
		RequestRetheme: func(themeIndex, colorBrightness int) {
			if router != nil {
				router.PublishTextState(colorBrightness)
			}
		},
		InstanceChanged: func(instance int) {
			if sched != nil {
				sched.ReinitInstance(instance)
			}
		},
		MQTTChanged: func(enabled bool) {
			if router == nil {
				return
			}
			if enabled {
				router.RestartMQTT()
			} else {
				router.StopMQTT()
			}
		},
		DebugChanged: func(enabled bool) {
			if monitor != nil {
				monitor.SetEnabled(enabled)
			}
		},
	}

	cfg, err := config.NewStore(filepath.Join(dir, "config.json"), hooks, logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	monitor = perf.NewMonitor(cfg.Snapshot().DebugMode)
	store := status.NewStore(config.NumInstances)
	builder := status.NewBuilder(store, cfg, log, stats, logger)
	pm := push.NewManager(config.NumInstances, tracker, log, monitor, logger)

	arbiter := power.NewArbiter(cfg, tracker, filepath.Join(dir, "saved-page"), logger)

	router = notify.NewRouter(cfg, log, version, logger)
	router.OnReboot = requestReboot(logger)

	sched = scheduler.New(cfg, tracker, builder, store, pm, router, arbiter, monitor, logger)
	arbiter.OnPageChange = func(page int) { sched.RequestPoll() }

	slot := ota.NewFileSlot(filepath.Join(dir, "firmware.bin"))
	updater := ota.NewCoordinator(v.GetString("feed_url"), dir, version, slot, log, logger)

	health := healthcheck.NewRegistry(logger)
	health.Register(healthcheck.NamedCheck("instances", func(ctx context.Context) *healthcheck.Result {
		return instancesHealth(cfg, tracker)
	}))
	health.Register(healthcheck.NamedCheck("mqtt", func(ctx context.Context) *healthcheck.Result {
		return mqttHealth(cfg, router)
	}))
	health.Register(healthcheck.NamedCheck("ota", func(ctx context.Context) *healthcheck.Result {
		return otaHealth(updater)
	}))

	server := webapi.NewServer(v.GetString("listen"), version, cfg, updater, monitor, arbiter, logger)
	server.Health = health
	server.OnReboot = func() {
		if err := arbiter.PrepareDeepSleep(); err != nil {
			logger.Warn("Failed to save page before reboot", zap.Error(err))
		}
		requestReboot(logger)()
	}
	server.OnFactoryReset = func() {
		logger.Info("Factory reset requested")
	}

	if cfg.Snapshot().MQTTEnabled {
		if err := router.StartMQTT(); err != nil {
			logger.Warn("MQTT startup failed, continuing without it", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go updater.RunAutoCheck(ctx, ota.DefaultAutoCheckInterval, func() (bool, ota.Channel) {
		snapshot := cfg.Snapshot()
		channel := ota.ChannelStable
		if snapshot.OTAChannel == config.OTAChannelPrerelease {
			channel = ota.ChannelPrerelease
		}
		return snapshot.OTAAutoCheck, channel
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			logger.Error("HTTP server exited", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("nina-display core running, press Ctrl+C to stop")

	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	server.Stop()
	pm.Close()
	router.StopMQTT()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error("Shutdown timed out")
		os.Exit(1)
	}

	logger.Info("nina-display core stopped successfully")
}

// requestReboot returns the platform reboot hook. On a dev host there is
// nothing to reboot, so it only logs; the embedded build swaps this for a
// systemd or watchdog-driven restart.
func requestReboot(logger *zap.Logger) func() {
	return func() {
		logger.Info("Reboot requested")
	}
}

// instancesHealth is degraded when any enabled instance is unreachable and
// unhealthy when all of them are.
func instancesHealth(cfg *config.Store, tracker *conn.Tracker) *healthcheck.Result {
	snapshot := cfg.Snapshot()
	enabled, reachable := 0, 0
	details := make(map[string]interface{}, config.NumInstances)
	for i := 0; i < config.NumInstances; i++ {
		if !snapshot.InstanceEnabled[i] {
			continue
		}
		enabled++
		info := tracker.Info(i)
		details[snapshot.APIURL[i]] = info.State.String()
		if info.Reachable() {
			reachable++
		}
	}

	res := &healthcheck.Result{Details: details}
	switch {
	case enabled == 0:
		res.Status = healthcheck.StatusHealthy
		res.Message = "no instances enabled"
	case reachable == enabled:
		res.Status = healthcheck.StatusHealthy
	case reachable > 0:
		res.Status = healthcheck.StatusDegraded
		res.Message = fmt.Sprintf("%d of %d instances reachable", reachable, enabled)
	default:
		res.Status = healthcheck.StatusUnhealthy
		res.Message = "no instances reachable"
	}
	return res
}

func mqttHealth(cfg *config.Store, router *notify.Router) *healthcheck.Result {
	if !cfg.Snapshot().MQTTEnabled {
		return &healthcheck.Result{Status: healthcheck.StatusHealthy, Message: "disabled"}
	}
	if router.MQTTConnected() {
		return &healthcheck.Result{Status: healthcheck.StatusHealthy}
	}
	return &healthcheck.Result{Status: healthcheck.StatusDegraded, Message: "broker link down"}
}

func otaHealth(updater *ota.Coordinator) *healthcheck.Result {
	st := updater.Status()
	if st.State == ota.StateError {
		return &healthcheck.Result{Status: healthcheck.StatusDegraded, Message: st.Err}
	}
	return &healthcheck.Result{
		Status:  healthcheck.StatusHealthy,
		Details: map[string]interface{}{"state": st.State.String()},
	}
}
