// Command nhmesh-bridge runs the mesh-radio/MQTT bridge: it maintains a
// session to a local Meshtastic node, forwards received packets to MQTT,
// discovers mesh topology via rate-limited traceroutes, and optionally
// relays MQTT messages back to the radio as text.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nhmesh/bridge/internal/bridge"
	"github.com/nhmesh/bridge/internal/config"
	"github.com/nhmesh/bridge/internal/connmgr"
	"github.com/nhmesh/bridge/internal/nodecache"
	"github.com/nhmesh/bridge/internal/radio"
	"github.com/nhmesh/bridge/internal/status"
	"github.com/nhmesh/bridge/internal/traceroute"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return 1
	}

	lvl, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Error("invalid log level", "level", cfg.LogLevel, "err", err)
		return 1
	}
	log.SetLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connCfg := connmgr.Config{
		TCPHost:    cfg.NodeIP,
		SerialPort: cfg.SerialPort,
	}
	connMgr, err := connmgr.New(connCfg, nil)
	if err != nil {
		log.Error("failed to construct connection manager", "err", err)
		return 1
	}

	nodeCache := nodecache.New()
	stats := &status.Stats{}

	traceMgr := traceroute.New(traceroute.Config{
		Interval:        cfg.TracerouteInterval,
		Cooldown:        cfg.TracerouteCooldown,
		MaxRetries:      cfg.TracerouteMaxRetries,
		MaxBackoff:      cfg.TracerouteMaxBackoff,
		PersistencePath: cfg.TraceroutePersistenceFile,
	}, connMgr.GetReadyInterface, stats)

	keyring := radio.NewKeyring()

	br := bridge.New(bridge.Config{
		Broker:      cfg.Broker,
		Port:        cfg.Port,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         cfg.TLS,
		RootTopic:   cfg.RootTopic,
		ListenTopic: cfg.MQTTListenTopic,
		ChannelKey:  keyring.Resolve("LongFast"),
	}, connMgr, nodeCache, traceMgr, stats)

	connMgr.SetPacketHandler(br.OnPacket)

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.NewServer(cfg.StatusAddr, stats)
		go func() {
			if err := statusSrv.Start(ctx); err != nil {
				log.Error("status server exited with error", "err", err)
			}
		}()
	}

	if err := connMgr.Start(ctx); err != nil {
		log.Error("failed initial radio connection", "err", err)
		return 1
	}
	traceMgr.Start(ctx)

	if err := br.Start(); err != nil {
		log.Error("failed to start mqtt bridge", "err", err)
		return 1
	}

	log.Info("nhmesh-bridge running", "broker", cfg.Broker, "topic", cfg.RootTopic)
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	done := make(chan struct{})
	go func() {
		traceMgr.Cleanup()
		_ = connMgr.Close()
		br.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn("cleanup did not complete within force-exit window")
	}
	return 0
}
