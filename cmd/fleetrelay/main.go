// Command fleetrelay runs the fleet relay: the device listener, the monitor
// endpoint, the scenario player and, when configured, the MQTT mirror and the
// VDA5050 bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kalifun/fleetlink/pkg/bridge"
	"github.com/kalifun/fleetlink/pkg/bus/memory"
	"github.com/kalifun/fleetlink/pkg/config"
	"github.com/kalifun/fleetlink/pkg/converter/vda5050"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/logging"
	"github.com/kalifun/fleetlink/pkg/monitor"
	"github.com/kalifun/fleetlink/pkg/processor"
	"github.com/kalifun/fleetlink/pkg/router"
	"github.com/kalifun/fleetlink/pkg/scenario"
	"github.com/kalifun/fleetlink/pkg/transport/mqtt"
	"github.com/kalifun/fleetlink/pkg/transport/tcp"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to the YAML configuration file")
		listen        = flag.String("listen", "", "device listen address, overrides relay.listen")
		monitorListen = flag.String("monitor-listen", "", "monitor listen address, overrides monitor.listen")
		scenarioFile  = flag.String("scenario", "", "scenario file, overrides scenario.file")
		logLevel      = flag.String("log-level", "", "log level, overrides log.level")
		printSchema   = flag.Bool("print-scenario-schema", false, "print the JSON schema of scenario files and exit")
	)
	flag.Parse()

	if *printSchema {
		schema, err := scenario.Schema()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(schema))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *monitorListen != "" {
		cfg.Monitor.Listen = *monitorListen
	}
	if *scenarioFile != "" {
		cfg.Scenario.File = *scenarioFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logrus.WithError(err).Fatal("Relay stopped")
	}
}

type component struct {
	name string
	comp core.LifecycleComponent
	deps []string
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := core.NewRegistry()
	bus := memory.NewMemoryEventBus("broadcast", cfg.Monitor.QueueSize)
	rt := router.New(registry, bus, processor.Defaults(registry)...)

	relay := tcp.NewServer("relay", cfg.Relay, func(ctx context.Context, conn *tcp.Conn) error {
		return rt.ServeConn(ctx, conn)
	})
	hub := monitor.NewHub("monitor", cfg.Monitor.Config, bus)

	lm := core.NewLifecycleManager(cfg.ShutdownTimeout)
	components := []component{
		{"bus", bus, nil},
		{"monitor", hub, []string{"bus"}},
		{"relay", relay, []string{"bus"}},
	}

	if cfg.MQTT.Enabled {
		mqttCfg := cfg.MQTT.Config
		if mqttCfg.ClientID == "" {
			mqttCfg.ClientID = "fleetlink-" + uuid.New().String()[:8]
		}
		transport := mqtt.NewTransport("mqtt", mqttCfg)
		opts := core.PublishOptions{QoS: mqttCfg.QoS, TimeOut: mqttCfg.ConnectTimeout}
		mirror := monitor.NewMirror("mqtt-mirror", bus, transport, cfg.MQTT.MirrorTopic, opts)

		components = append(components,
			component{"mqtt", transport, nil},
			component{"mirror", mirror, []string{"bus", "mqtt"}},
		)

		if cfg.Bridge.Enabled {
			bridgeCfg := cfg.Bridge.Config
			bridgeCfg.ServerID = cfg.ServerID
			vda := bridge.New("vda5050-bridge", transport, vda5050.NewConverter(bridgeCfg), registry, rt, opts)
			components = append(components, component{"bridge", vda, []string{"mqtt", "relay"}})
		}
	}

	var player *scenario.Player
	if cfg.Scenario.File != "" {
		player = scenario.NewPlayer("scenario", cfg.Scenario, cfg.ServerID, registry, bus)
		components = append(components, component{"scenario", player, []string{"relay"}})
	}

	for _, c := range components {
		if err := lm.AddComponent(c.name, c.comp, c.deps...); err != nil {
			return err
		}
	}

	order, err := lm.StartOrder()
	if err != nil {
		return err
	}
	if err := lm.Start(ctx); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"server_id": cfg.ServerID,
		"relay":     relay.Addr().String(),
		"monitor":   hub.Addr().String(),
		"order":     order,
	}).Info("Relay started")

	<-ctx.Done()
	logrus.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = lm.Stop(stopCtx)

	metrics := rt.Metrics()
	fields := logrus.Fields{
		"packets_processed": metrics.PacketsProcessed,
		"packets_failed":    metrics.PacketsFailed,
		"decode_failures":   metrics.DecodeFailures,
		"unhandled":         metrics.UnhandledPackets,
		"broadcast_dropped": bus.Dropped(),
	}
	if player != nil {
		fields["scenario"] = fmt.Sprintf("%+v", player.Stats())
	}
	logrus.WithFields(fields).Info("Relay stopped")
	return err
}
