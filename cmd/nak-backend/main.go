package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Warrelis/nak/internal/backend"
)

func main() {
	// Stdout is the protocol channel; logging must go to stderr only.
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.OutputPaths = []string{"stderr"}
	if os.Getenv("NAK_DEBUG") == "" {
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("nak-backend")

	b := backend.New(log, os.Stdout)
	defer b.Close()

	if err := b.Serve(os.Stdin); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
