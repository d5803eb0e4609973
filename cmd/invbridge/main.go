// Command invbridge runs the network-to-serial inverter bridge: it accepts
// TCP client connections speaking the monitoring-portal wire format,
// arbitrates a single RS-485 inverter bus among them, and serves Prometheus
// metrics and a health check over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	realclock "github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tarm/serial"

	"github.com/kestrelgrid/invbridge/internal/arbiter"
	"github.com/kestrelgrid/invbridge/internal/bridge"
	"github.com/kestrelgrid/invbridge/internal/cache"
	"github.com/kestrelgrid/invbridge/internal/config"
	"github.com/kestrelgrid/invbridge/internal/guard"
	"github.com/kestrelgrid/invbridge/internal/httpapi"
	"github.com/kestrelgrid/invbridge/internal/metrics"
	"github.com/kestrelgrid/invbridge/internal/tcpserver"
)

// tickInterval is how often the main loop drives every component's
// cooperative Tick, per §5's single-logical-stream scheduling model.
const tickInterval = 10 * time.Millisecond

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "invbridge",
		Short: "Network-to-serial bridge for an RS-485 inverter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	port, err := serial.OpenPort(&serial.Config{
		Name:        settings.SerialDevice,
		Baud:        settings.SerialBaud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	})
	if err != nil {
		return err
	}
	defer port.Close()

	clk := realclock.New()
	met := metrics.New()
	g := guard.New()

	arb := arbiter.New(port, clk, g, log, met, arbiter.Config{
		ResponseTimeout:    settings.ResponseTimeout,
		InterFrameGap:      settings.InterFrameGap,
		ProbeBackoffBase:   settings.ProbeBackoffBase,
		ProbeBackoffMax:    settings.ProbeBackoffMax,
		ProbeStartRegister: settings.ProbeStartRegister,
	})

	c := cache.New(clk, settings.CacheMaxEntries, settings.CacheTTL)

	tcp := tcpserver.New(tcpserver.Config{
		Addr:        ":" + strconv.Itoa(settings.TCPPort),
		MaxClients:  settings.MaxClients,
		IdleTimeout: settings.ClientIdleTimeout,
	}, clk, log, nil, met) // handler wired in below, once the coordinator exists

	coord := bridge.New(arb, c, g, tcp, clk, log, met, bridge.Config{
		DongleSerial:   settings.DongleSerial,
		RequestTimeout: settings.RequestTimeout,
	})
	tcp.SetHandler(coord)

	diag := httpapi.New(settings.MetricsAddr, met.Registry, arb, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := diag.ListenAndServe(); err != nil {
			log.WithError(err).Error("httpapi: server stopped")
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- tcp.Serve(ctx) }()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastIgnoredPackets := 0

	log.WithFields(logrus.Fields{
		"tcp_port": settings.TCPPort,
		"serial":   settings.SerialDevice,
	}).Info("invbridge: started")

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = diag.Shutdown(shutdownCtx)
			<-serveErr
			log.Info("invbridge: shut down")
			return nil
		case <-ticker.C:
			arb.Tick()
			met.SetLinkUp(arb.LinkUp())
			if ignored := arb.IgnoredPackets(); ignored > lastIgnoredPackets {
				met.IgnoredPacketsTotal.Add(float64(ignored - lastIgnoredPackets))
				lastIgnoredPackets = ignored
			}
			met.ActiveSessions.Set(float64(tcp.SessionCount()))
			tcp.Tick()
			coord.Tick()
		}
	}
}
