// Command nucleus-plant is an example bootstrap binary wiring a
// PowerPlant together from a config file (or defaults), installing a
// couple of demonstration reactions, and running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"time"

	"github.com/entropic-systems/nucleus/pkg/bus"
	"github.com/entropic-systems/nucleus/pkg/config"
	"github.com/entropic-systems/nucleus/pkg/extension/chrono"
	"github.com/entropic-systems/nucleus/pkg/ids"
	"github.com/entropic-systems/nucleus/pkg/logging"
	"github.com/entropic-systems/nucleus/pkg/plant"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to a nucleus-plant JSON configuration file")
		name       = flag.String("name", "", "Peer name announced on the network (overrides config)")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	level, err := logging.ParseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = level
	logCfg.Component = "nucleus-plant"
	logging.InitGlobalLogger(logCfg)
	logger := logging.GetGlobalLogger()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			logger.Errorf("loading config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *name != "" {
		cfg.Network.Name = *name
	}

	p, err := plant.New(cfg, logger)
	if err != nil {
		logger.Errorf("constructing plant: %v", err)
		os.Exit(1)
	}

	p.Bus.On("nucleus/plant.Initialize", bus.Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		logger.Info("plant initialized")
		return nil
	})
	p.Bus.On("nucleus/plant.Shutdown", bus.Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		logger.Info("plant shutting down")
		return nil
	})
	p.Bus.On("nucleus/heartbeat.Tick", bus.Priority(ids.LOW)).Then(func(payload interface{}) error {
		tick := payload.(chrono.Tick)
		logger.Debugf("heartbeat at %s", tick.At)
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p.Bus.On("nucleus/plant.Initialize", bus.Priority(ids.NORMAL)).Then(func(payload interface{}) error {
		p.Chrono.Every(ctx, "nucleus/heartbeat.Tick", 5*time.Second, bus.LOCAL)
		return nil
	})

	go func() {
		<-ctx.Done()
		p.Shutdown(context.Background())
	}()

	if err := p.Start(ctx); err != nil {
		logger.Errorf("starting plant: %v", err)
		os.Exit(1)
	}
}
