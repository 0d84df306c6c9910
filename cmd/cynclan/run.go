package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cync-lan/cync-lan/internal/bridge"
	"github.com/cync-lan/cync-lan/internal/commands"
	"github.com/cync-lan/cync-lan/internal/device"
	"github.com/cync-lan/cync-lan/internal/exporter"
	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
	"github.com/cync-lan/cync-lan/internal/infrastructure/database"
	"github.com/cync-lan/cync-lan/internal/infrastructure/influxdb"
	"github.com/cync-lan/cync-lan/internal/infrastructure/logging"
	"github.com/cync-lan/cync-lan/internal/infrastructure/mqtt"
	"github.com/cync-lan/cync-lan/internal/mesh"
	"github.com/cync-lan/cync-lan/internal/relay"
	"github.com/cync-lan/cync-lan/internal/server"
	"github.com/cync-lan/cync-lan/internal/supervisor"
)

// errRestartRequested signals that the controller should reload its
// configuration and start again (POST /api/restart after an export).
var errRestartRequested = errors.New("restart requested")

// poolMetricsInterval is how often the ready-bridge-pool size is
// recorded when telemetry is enabled.
const poolMetricsInterval = 30 * time.Second

// State-history retention. The table is diagnostics, not a source of
// truth; a month is plenty.
const (
	historySweepInterval = 6 * time.Hour
	historyRetention     = 30 * 24 * time.Hour
)

// runLoop runs the controller, restarting it in-process when the export
// API requests a restart.
func runLoop(ctx context.Context, configFlag string) error {
	for {
		err := runController(ctx, getConfigPath(configFlag))
		if errors.Is(err, errRestartRequested) {
			continue
		}
		return err
	}
}

// restartSignal implements exporter.Restarter by closing a channel the
// run loop selects on.
type restartSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newRestartSignal() *restartSignal {
	return &restartSignal{ch: make(chan struct{})}
}

func (r *restartSignal) Restart() {
	r.once.Do(func() { close(r.ch) })
}

// runController brings the whole controller up, waits for shutdown or
// restart, and tears it down in reverse order.
func runController(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting cync-lan",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfigError, err: fmt.Errorf("loading config: %w", err)}
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database for state history
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("opening database: %w", err)}
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	history, err := database.NewHistoryStore(db)
	if err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("preparing state history: %w", err)}
	}

	// Device registry from the exported account topology
	registry := buildRegistry(cfg, log)
	log.Info("device registry initialised",
		"account", cfg.Account.ID,
		"devices", len(registry.Devices()),
		"groups", len(registry.Groups()),
		"wifi_bridges", len(registry.Bridges()),
	)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("connecting to MQTT: %w", err)}
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional telemetry)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return &exitError{code: exitStartupError, err: fmt.Errorf("connecting to InfluxDB: %w", err)}
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Device server: terminates device TLS sessions, owns the bridge
	// pool and ack correlator. Only configured WiFi bridges join the
	// pool.
	srv := server.New(server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		CertFile:         cfg.Server.CertFile,
		KeyFile:          cfg.Server.KeyFile,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		IdleTimeout:      cfg.IdleTimeout(),
		AckTimeout:       cfg.AckTimeout(),
	}, registry, func(deviceID int) bool {
		d, err := registry.Get(deviceID)
		return err == nil && d.Caps.Bridge
	}, log)

	// Cloud relay: tee device traffic to the real vendor cloud so the
	// vendor app keeps working. Without cloud forwarding the observer
	// only decodes and logs frames; traffic stays local either way.
	if cfg.Relay.Enabled {
		factory := relay.NewFactory(relay.Config{
			CloudHost:          cfg.Relay.CloudHost,
			CloudPort:          cfg.Relay.CloudPort,
			DisableTLSVerify:   cfg.Relay.DisableSSLVerify,
			DebugPacketLogging: cfg.Relay.DebugPacketLogging,
			DialTimeout:        time.Duration(cfg.Relay.ConnectTimeoutSeconds) * time.Second,
		}, log)
		if cfg.Relay.ForwardToCloud {
			srv.SetRelayFactory(factory.Observer)
			log.Info("cloud relay enabled", "cloud", cfg.Relay.CloudHost)
		} else {
			srv.SetRelayFactory(factory.Inspector)
			log.Info("relay in observe-only mode, not forwarding to cloud")
		}
	}

	// Mesh refresh controller drives periodic and post-ack state pulls.
	refresher := mesh.New(cfg.RefreshInterval(), mesh.NewPoolSource(srv.Pool()), log)

	// Command layer: validates, throttles, serializes, dispatches.
	api := commands.New(commands.Config{
		Targets:       cfg.CommandTargets(),
		PerfTracking:  cfg.Perf.Tracking,
		SlowThreshold: time.Duration(cfg.Perf.ThresholdMs) * time.Millisecond,
	}, registry, commands.NewPoolSelector(srv.Pool()), srv.Correlator(), log)
	api.SetRefresher(refresher)
	if influxClient != nil {
		api.SetPerfRecorder(influxClient)
	}

	// MQTT bridge: discovery, state out, commands in.
	mqttBridge := bridge.New(mqttClient, registry, api, byte(cfg.MQTT.QoS), log)

	// State flows from the registry to MQTT (and telemetry when enabled).
	sink := &stateSink{bridge: mqttBridge, influx: influxClient}
	registry.SetSink(sink)
	registry.SetHistory(history)
	api.SetSink(sink)

	// Export HTTP API
	restart := newRestartSignal()
	tokens := exporter.NewTokenStore(cfg.Exporter.TokenCachePath)
	if err := tokens.Load(); err != nil {
		log.Warn("token cache unreadable, starting unauthenticated", "error", err)
	}
	exportAPI, err := exporter.New(exporter.Deps{
		Config:     cfg.Exporter,
		ConfigPath: configPath,
		Cloud:      exporter.NewCloudClient(cfg.Exporter.APIBaseURL, log),
		Tokens:     tokens,
		Restarter:  restart,
		Logger:     log,
	})
	if err != nil {
		return &exitError{code: exitStartupError, err: fmt.Errorf("creating export API: %w", err)}
	}

	// Supervisor: components start in order, stop in reverse with a
	// bounded grace period each.
	sup := supervisor.New(supervisor.DefaultGrace, log)
	sup.Add(supervisor.Task{
		Name:  "device-server",
		Start: func(context.Context) error { return srv.Start() },
		Stop:  srv.Shutdown,
	})
	sup.Add(supervisor.Task{
		Name:  "mesh-refresh",
		Start: func(context.Context) error { refresher.Start(); return nil },
		Stop:  func(context.Context) error { refresher.Stop(); return nil },
	})
	sup.Add(supervisor.Task{
		Name:  "mqtt-bridge",
		Start: func(context.Context) error { return mqttBridge.Start() },
	})
	sup.Add(supervisor.Task{
		Name:  "export-api",
		Start: exportAPI.Start,
		Stop:  func(context.Context) error { return exportAPI.Close() },
	})
	sup.Add(historySweepTask(history, log))
	if influxClient != nil {
		sup.Add(poolMetricsTask(srv.Pool(), influxClient))
	}

	if err := sup.Start(ctx); err != nil {
		return &exitError{code: exitStartupError, err: err}
	}
	defer sup.Stop()

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
		return nil
	case <-restart.ch:
		log.Info("restart requested, reloading configuration")
		return errRestartRequested
	}
}

// poolMetricsTask periodically records the ready bridge pool size.
func poolMetricsTask(pool *server.Pool, influx *influxdb.Client) supervisor.Task {
	return supervisor.Task{
		Name: "pool-metrics",
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(poolMetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					influx.WriteBridgePool(pool.Size())
				}
			}
		},
	}
}

// historySweepTask prunes old state-history rows on a slow cycle.
func historySweepTask(history *database.HistoryStore, log *logging.Logger) supervisor.Task {
	return supervisor.Task{
		Name: "history-sweep",
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(historySweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					n, err := history.Sweep(ctx, historyRetention)
					if err != nil {
						return err
					}
					if n > 0 {
						log.Debug("state history swept", "rows", n)
					}
				}
			}
		},
		RestartOnFailure: true,
		RestartDelay:     time.Minute,
	}
}

// buildRegistry maps the configured account onto the runtime device and
// group model.
func buildRegistry(cfg *config.Config, log *logging.Logger) *device.Registry {
	devices := make([]*device.Device, 0, len(cfg.Account.Devices))
	for _, dc := range cfg.Account.Devices {
		devices = append(devices, &device.Device{
			ID:    dc.ID,
			Name:  dc.Name,
			Room:  dc.Room,
			Model: dc.Model,
			Caps: device.Capabilities{
				Brightness: dc.Brightness,
				ColorTemp:  dc.ColorTemp,
				MinKelvin:  dc.MinKelvin,
				MaxKelvin:  dc.MaxKelvin,
				RGB:        dc.RGB,
				Fan:        dc.Fan,
				Plug:       dc.Plug,
				Switch:     dc.Switch,
				Bridge:     dc.WiFi,
			},
		})
	}

	groups := make([]*device.Group, 0, len(cfg.Account.Groups))
	for _, gc := range cfg.Account.Groups {
		groups = append(groups, &device.Group{
			ID:      gc.ID,
			Name:    gc.Name,
			Members: gc.Members,
		})
	}

	return device.NewRegistry(cfg.Account.ID, devices, groups, log)
}

// stateSink tees registry state changes to the MQTT bridge and, when
// telemetry is enabled, to InfluxDB.
type stateSink struct {
	bridge *bridge.Bridge
	influx *influxdb.Client
}

func (s *stateSink) PublishDeviceState(d *device.Device, st device.State) {
	s.bridge.PublishDeviceState(d, st)
	if s.influx != nil {
		s.influx.WriteStateChange(d.ID, string(st.Power), st.Brightness, d.Online())
	}
}

func (s *stateSink) PublishDeviceAvailability(d *device.Device, online bool) {
	s.bridge.PublishDeviceAvailability(d, online)
	if s.influx != nil {
		st := d.State()
		s.influx.WriteStateChange(d.ID, string(st.Power), st.Brightness, online)
	}
}

func (s *stateSink) PublishGroupState(g *device.Group, st device.GroupState) {
	s.bridge.PublishGroupState(g, st)
}
