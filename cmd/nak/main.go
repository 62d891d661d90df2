package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Warrelis/nak/pkg/fmtt"
)

func main() {
	var backendPath string

	root := &cobra.Command{
		Use:   "nak",
		Short: "Interactive multi-host shell",
		Long: `nak drives one or more stacked backends, local or remote, over a
single multiplexed envelope channel. Commands run on the backend at the top
of the remote stack; "connect <cmd...>" pushes a new backend and "disconnect"
pops it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logConfig := zap.NewDevelopmentConfig()
			logConfig.EncoderConfig.TimeKey = ""
			logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			logConfig.DisableStacktrace = true
			logConfig.DisableCaller = true
			if os.Getenv("NAK_DEBUG") == "" {
				logConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
			}
			log := zap.Must(logConfig.Build())
			defer log.Sync()

			return repl(log.Named("nak"), backendPath)
		},
	}
	root.Flags().StringVar(&backendPath, "backend", "nak-backend", "backend binary to spawn")

	if err := root.Execute(); err != nil {
		if os.Getenv("NAK_DEBUG") != "" {
			fmtt.PrintErrChainDebug(err)
		}
		os.Exit(1)
	}
}
