package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/neuraldaq/acqrelay/internal/config"
	"github.com/neuraldaq/acqrelay/internal/metrics"
	"github.com/neuraldaq/acqrelay/internal/monitor"
	"github.com/neuraldaq/acqrelay/internal/session"
	"github.com/neuraldaq/acqrelay/internal/util"
)

func relayCmd() *cobra.Command {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:   "acqrelayd",
		Short: "Control-plane relay for a remote acquisition data node",
		Long: `Acqrelayd relays command/response transactions between a client and a
data node and forwards the node's batch-sample stream to a subscriber.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.ClientPort, "client-port", config.DefaultClientPort,
		"TCP port to listen on for client connections")
	f.StringVar(&cfg.DnodeAddr, "dnode-host", "127.0.0.1", "data node host")
	f.IntVar(&cfg.DnodePort, "dnode-port", config.DefaultDnodePort,
		"data node command/control port")
	f.IntVar(&cfg.SamplePort, "sample-port", config.DefaultSamplePort,
		"local UDP port for batch-sample datagrams")
	f.StringVar(&cfg.MonitorAddr, "monitor", "",
		"HTTP monitor listen address (empty disables)")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	return cmd
}

func runRelay(parent context.Context, cfg *config.Config) error {
	if cfg.Debug {
		util.EnableDebug()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	util.LogInfo("acqrelayd v%s", version)

	met := metrics.New()
	sess, err := session.New(session.Options{
		ClientPort: cfg.ClientPort,
		DnodeAddr:  fmt.Sprintf("%s:%d", cfg.DnodeAddr, cfg.DnodePort),
		SamplePort: cfg.SamplePort,
		Metrics:    met,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if cfg.MonitorAddr != "" {
		mon := monitor.New(sess, met)
		if err := mon.Start(cfg.MonitorAddr); err != nil {
			return err
		}
		defer mon.Close()
		util.LogInfo("monitor listening on %s", mon.Addr())
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("relaying: clients on %s, data node at %s:%d, samples on %s",
		sess.ClientAddr(), cfg.DnodeAddr, cfg.DnodePort, sess.SampleAddr())

	<-ctx.Done()
	util.LogInfo("shutting down control session")
	return nil
}
