// Command fleetsim connects simulated AGVs, AMRs and work cells to a relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kalifun/fleetlink/pkg/logging"
	"github.com/kalifun/fleetlink/pkg/robot"
	"github.com/kalifun/fleetlink/pkg/transport/tcp"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type options struct {
	relay    string
	serverID string
	travel   time.Duration
	arrival  time.Duration
	work     time.Duration
}

func main() {
	var (
		opts      options
		agvs      = flag.Int("agvs", 1, "number of AGVs")
		amrs      = flag.Int("amrs", 0, "number of AMRs")
		cells     = flag.Int("cells", 1, "number of work cells")
		logLevel  = flag.String("log-level", "info", "log level")
		logFormat = flag.String("log-format", "text", "log format, text or json")
	)
	flag.StringVar(&opts.relay, "relay", "localhost:9001", "relay address")
	flag.StringVar(&opts.serverID, "server", "ACS_SERVER", "ID of the coordinating server devices report to")
	flag.DurationVar(&opts.travel, "travel", 2*time.Second, "time between two waypoints")
	flag.DurationVar(&opts.arrival, "arrival", time.Second, "delay between the last waypoint and arrival")
	flag.DurationVar(&opts.work, "work", 3*time.Second, "length of a cell's assembly cycle")
	flag.Parse()

	if err := logging.Setup(*logLevel, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	launch := func(prefix string, deviceType types.DeviceType, n int) {
		for i := 1; i <= n; i++ {
			cfg := robot.Config{
				ID:             fmt.Sprintf("%s_%02d", prefix, i),
				DeviceType:     deviceType,
				ServerID:       opts.serverID,
				TravelInterval: opts.travel,
				ArrivalDelay:   opts.arrival,
				WorkInterval:   opts.work,
			}
			g.Go(func() error { return runDevice(ctx, opts.relay, cfg) })
		}
	}
	launch("AGV", types.DeviceTypeAGV, *agvs)
	launch("AMR", types.DeviceTypeAMR, *amrs)
	launch("CELL", types.DeviceTypeCell, *cells)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logrus.WithError(err).Fatal("Simulation stopped")
	}
}

// runDevice keeps one device connected until ctx ends or the relay closes the
// connection.
func runDevice(ctx context.Context, addr string, cfg robot.Config) error {
	logger := logrus.WithFields(logrus.Fields{"component": "fleetsim", "device_id": cfg.ID})

	conn, err := tcp.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r := robot.New(cfg, conn)
	if err := r.Announce(ctx); err != nil {
		return err
	}
	logger.WithField("relay", conn.RemoteAddr()).Info("Device connected")

	if err := r.Run(ctx, conn); err != nil {
		return err
	}
	logger.Info("Device disconnected")
	return nil
}
