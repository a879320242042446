package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neuraldaq/acqrelay/internal/acquire"
	"github.com/neuraldaq/acqrelay/internal/config"
	"github.com/neuraldaq/acqrelay/internal/storage"
	"github.com/neuraldaq/acqrelay/internal/util"
)

func recordCmd() *cobra.Command {
	var (
		dnodeHost string
		dnodePort int
		dataPort  int
		dataFile  string
		nchips    uint16
		nlines    uint16
		startIdx  uint32
		debug     bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Run a recording session against the data node",
		Long: `Record starts acquisition on the data node, stops it, then copies the
acquired board samples into a raw storage file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				util.EnableDebug()
			}

			store := storage.NewRawFile(dataFile)
			if err := store.Open(); err != nil {
				return fmt.Errorf("can't open channel storage: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					util.LogError("unable to close channel storage: %v", err)
				}
			}()

			cl, err := acquire.Dial(fmt.Sprintf("%s:%d", dnodeHost, dnodePort),
				dataPort, store)
			if err != nil {
				return err
			}
			defer cl.Close()

			stopIdx, err := cl.RunDummySession(startIdx)
			if err != nil {
				return fmt.Errorf("can't do recording session: %w", err)
			}
			util.LogInfo("acquisition ran from sample %d to %d", startIdx, stopIdx)

			lastIdx, err := cl.CopyAll(nchips, nlines, startIdx)
			if err != nil {
				return fmt.Errorf("copying board samples (reached %d): %w", lastIdx, err)
			}
			util.LogInfo("stored board samples %d through %d in %s",
				startIdx, lastIdx, dataFile)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&dnodeHost, "dnode-host", "127.0.0.1", "data node host")
	f.IntVar(&dnodePort, "dnode-port", config.DefaultDnodePort,
		"data node command/control port")
	f.IntVar(&dataPort, "data-port", config.DefaultSamplePort,
		"local UDP port for board sample datagrams")
	f.StringVar(&dataFile, "file", "/tmp/dnode_data.raw", "raw sample output file")
	f.Uint16Var(&nchips, "chips", 32, "chips per board sample")
	f.Uint16Var(&nlines, "lines", 32, "channels per chip")
	f.Uint32Var(&startIdx, "start-sample", 0, "starting board sample index")
	f.BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}
