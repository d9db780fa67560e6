// cangatewayd is the CAN/SDO gateway daemon: it owns the CAN bus, the
// device connection, discovery, the interval and spot-values managers,
// and the firmware update driver, and drives the gateway task loop.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/canbridge/cangateway/canbus"
	"github.com/canbridge/cangateway/gateway"
	"github.com/canbridge/cangateway/metrics"
	"github.com/canbridge/cangateway/storage"
)

func main() {
	configPath := flag.String("config", "/etc/cangatewayd.ini", "path to the daemon's .ini configuration")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).WithField("path", *configPath).Warn("cangatewayd: using defaults, config load failed")
	}

	store, err := storage.Open(cfg.Persistence.DevicesPath)
	if err != nil {
		log.WithError(err).Fatal("cangatewayd: failed to open device store")
	}

	transport, err := canbus.NewSocketcanTransport(cfg.Bus.Interface)
	if err != nil {
		log.WithError(err).Fatal("cangatewayd: failed to open CAN interface")
	}
	if err := transport.Configure(canbus.Config{Baud: canbus.BaudRate(cfg.Bus.Baud)}); err != nil {
		log.WithError(err).Fatal("cangatewayd: failed to configure CAN interface")
	}
	bus := canbus.NewQueuedBus(transport, 64)
	defer bus.Close()

	g := gateway.New(bus, store)

	if cfg.Metrics.Enabled {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer srv.Close()
		log.WithField("addr", cfg.Metrics.Addr).Info("cangatewayd: metrics listening")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("cangatewayd: shutting down")
		g.Stop()
	}()

	log.WithFields(log.Fields{
		"iface": cfg.Bus.Interface,
		"baud":  cfg.Bus.Baud,
	}).Info("cangatewayd: starting gateway loop")
	g.Run(cfg.Timeouts.TickIdle)
}
