// Command diode-send is the sending half of the data-diode transfer
// daemon: it watches a source directory and streams new files across
// the serial link to a peer running diode-recv.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sierra-ops/datadiode/internal/config"
	"github.com/sierra-ops/datadiode/internal/discovery"
	"github.com/sierra-ops/datadiode/internal/logging"
	"github.com/sierra-ops/datadiode/internal/serial"
	"github.com/sierra-ops/datadiode/internal/supervisor"
)

func main() {
	v := viper.New()
	v.SetConfigName("diode-send")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/datadiode")

	root := &cobra.Command{
		Use:   "diode-send",
		Short: "Watch a directory and transmit files across a serial data diode link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	config.BindSenderFlags(root.Flags(), v)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "diode-send: reading config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.LoadSender(v)
	if err != nil {
		return err
	}
	baud, err := config.BaudFlag(cfg.Baud)
	if err != nil {
		return err
	}

	logOpts := logging.DefaultOptions
	logOpts.LogFile = cfg.LogFile
	logger := logging.New(logOpts)
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	for _, dir := range []string{cfg.SourceDir, cfg.CacheDir} {
		if _, statErr := os.Stat(dir); statErr != nil {
			logger.WithField("dir", dir).Warn("configured directory does not exist yet")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	daemon := &supervisor.SenderDaemon{
		Dial: func() (serial.Device, error) {
			return serial.Dial(cfg.Port, baud)
		},
		Discover:  discovery.NewWalker(cfg.SourceDir, cfg.LoopInterval, nil),
		SourceDir: cfg.SourceDir,
		CacheDir:  cfg.CacheDir,
		LogFile:   cfg.LogFile,
		Log:       logger,
	}
	return daemon.Run(ctx)
}
