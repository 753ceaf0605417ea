// Command kilnd runs the kiln firing controller: the control loop, the
// state broadcaster, the HTTP/WebSocket API, and optional telemetry
// mirrors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnworks/kilnd/internal/api"
	"github.com/kilnworks/kilnd/internal/config"
	"github.com/kilnworks/kilnd/internal/hardware"
	"github.com/kilnworks/kilnd/internal/oven"
	"github.com/kilnworks/kilnd/internal/physics"
	"github.com/kilnworks/kilnd/internal/store"
	"github.com/kilnworks/kilnd/internal/telemetry"
	"github.com/kilnworks/kilnd/internal/thermocouple"
	"github.com/kilnworks/kilnd/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to a simulated kiln)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	simulated := flag.Bool("sim", false, "force simulated kiln regardless of config")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *simulated {
		cfg.Simulated = true
	}

	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config) error {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer st.Close()

	sensor, heater, cleanup, err := buildHardware(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ov := oven.New(cfg.OvenConfig(), sensor, heater, st)

	// Resume an interrupted firing before the loop starts.
	if rs, err := st.LoadRestart(); err != nil {
		log.Printf("restart snapshot unreadable, starting idle: %v", err)
	} else if rs != nil {
		if err := ov.Restore(*rs); err != nil {
			log.Printf("restart snapshot rejected, starting idle: %v", err)
		}
	}

	hub := api.NewHub()
	hub.Commands = ov

	sinks, closeSinks := buildSinks(cfg)
	defer closeSinks()

	w := watcher.New(hub, st, sinks...)
	hub.Backlog = w

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go w.Run(ctx, ov.Snapshots())
	go ov.Run(ctx)

	mux := http.NewServeMux()
	handler := &api.Handler{Oven: ov, Watcher: w, Store: st}
	handler.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", hub.HandleWebSocket)

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Printf("received %v, shutting down", s)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// buildHardware selects the sensor/actuator pair at construction: the
// physics model in simulated mode, GPIO and the IIO thermocouple driver
// otherwise.
func buildHardware(cfg *config.Config) (thermocouple.Sensor, oven.Heater, func(), error) {
	if cfg.Simulated {
		kiln := physics.New(cfg.PhysicsConfig())
		log.Printf("simulated kiln: speedup %.0fx", cfg.Sim.Speedup)
		return thermocouple.NewSimulated(kiln), hardware.NewSimHeater(kiln), func() {}, nil
	}

	if cfg.Thermocouple.Device == "" {
		return nil, nil, nil, fmt.Errorf("thermocouple.device is required for a real kiln")
	}
	raw := hardware.NewIIOThermocouple(cfg.Thermocouple.Device)
	probe := thermocouple.NewProbe(raw, thermocouple.Config{
		Samples: cfg.Thermocouple.Samples,
		Offset:  cfg.Thermocouple.Offset,
	})

	window := time.Duration(cfg.Heater.PWMWindowMs) * time.Millisecond
	heater, err := hardware.NewRealHeater(cfg.Heater.Chip, cfg.Heater.Pin, window)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init heater: %w", err)
	}
	cleanup := func() {
		if err := heater.Close(); err != nil {
			log.Printf("heater close: %v", err)
		}
	}
	return probe, heater, cleanup, nil
}

// buildSinks wires the optional telemetry mirrors. A sink that fails to
// connect is skipped with a warning; telemetry never blocks startup.
func buildSinks(cfg *config.Config) ([]watcher.Sink, func()) {
	var sinks []watcher.Sink
	var closers []func() error

	if cfg.MQTT.Broker != "" {
		s, err := telemetry.NewMQTTSink(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic)
		if err != nil {
			log.Printf("mqtt sink disabled: %v", err)
		} else {
			log.Printf("mirroring status to mqtt %s", cfg.MQTT.Broker)
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		}
	}
	if cfg.Redis.Addr != "" {
		s, err := telemetry.NewRedisSink(cfg.Redis.Addr, cfg.Redis.Stream)
		if err != nil {
			log.Printf("redis sink disabled: %v", err)
		} else {
			log.Printf("mirroring status to redis %s", cfg.Redis.Addr)
			sinks = append(sinks, s)
			closers = append(closers, s.Close)
		}
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Printf("sink close: %v", err)
			}
		}
	}
}
