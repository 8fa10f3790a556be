// Command ndp6proxy relays IPv6 Neighbor Discovery Protocol traffic for one
// SLAAC network across two or more Ethernet interfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	ndp6proxy "github.com/irai/ndp6proxy"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := ndp6proxy.ParseConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	log := logrus.New()
	log.SetLevel(cfg.LogLevel)
	log.WithFields(logrus.Fields{
		"interfaces":     cfg.Interfaces,
		"logLevel":       cfg.LogLevel,
		"alarmInterval":  cfg.CheckInterval,
		"probeInterval":  cfg.ProbeInterval,
		"probeRetries":   cfg.ProbeRetries,
		"routesSaveFile": cfg.RoutesSaveFile,
	}).Info("ndp6proxy starting")

	registry := ndp6proxy.NewRegistry()
	for _, name := range cfg.Interfaces {
		if _, err := registry.Register(name); err != nil {
			log.WithError(err).Error("failed to register interface")
			return 1
		}
	}

	ifaces := registry.All()
	queue := ndp6proxy.NewQueue()
	sniffers := make(map[string]*ndp6proxy.Sniffer, len(ifaces))
	senders := make(map[string]ndp6proxy.FrameSender, len(ifaces))
	for _, ifc := range ifaces {
		s := ndp6proxy.NewSniffer(ifc, queue, log)
		sniffers[ifc.Name] = s
		senders[ifc.Name] = s
	}

	handler := ndp6proxy.NewHandler(log, registry, queue, senders, ndp6proxy.HandlerConfig{
		CheckInterval: cfg.CheckInterval,
		ProbeInterval: cfg.ProbeInterval,
		ProbeRetries:  cfg.ProbeRetries,
		SaveFile:      cfg.RoutesSaveFile,
		LogLevel:      cfg.LogLevel,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, ifc := range ifaces {
		ready := make(chan struct{})
		if err := sniffers[ifc.Name].Start(ctx, ifaces, ready); err != nil {
			log.WithError(err).WithField("iface", ifc.Name).Error("failed to start sniffer")
			return exitCodeFor(err)
		}
		<-ready
	}

	handler.Routes().LoadRoutes()

	go handler.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	s := <-sig
	log.WithField("signal", s).Info("shutting down")

	cancel()
	handler.Shutdown()
	for _, s := range sniffers {
		s.Close()
	}

	return 0
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ndp6proxy.ErrUsage):
		return 2
	default:
		return 1
	}
}
