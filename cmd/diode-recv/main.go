// Command diode-recv is the receiving half of the data-diode transfer
// daemon: it drives the serial handshake, stages arriving files, and
// delivers verified ones into an output directory for a downstream
// uploader to pick up.
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
	"github.com/sierra-ops/datadiode/internal/hooks"
	"github.com/sierra-ops/datadiode/internal/logging"
	"github.com/sierra-ops/datadiode/internal/serial"
	"github.com/sierra-ops/datadiode/internal/supervisor"
)

func main() {
	v := viper.New()
	v.SetConfigName("diode-recv")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/datadiode")

	root := &cobra.Command{
		Use:   "diode-recv",
		Short: "Receive files across a serial data diode link and stage them for upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	config.BindReceiverFlags(root.Flags(), v)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "diode-recv: reading config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	cfg, err := config.LoadReceiver(v)
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

	for _, dir := range []string{cfg.StagingDir, cfg.OutputDir} {
		if _, statErr := os.Stat(dir); statErr != nil {
			logger.WithField("dir", dir).Warn("configured directory does not exist yet")
		}
	}

	var chain hooks.Chain
	if cfg.ChownUser != "" || cfg.ChownGroup != "" {
		chain = append(chain, hooks.ChownHook{User: cfg.ChownUser, Group: cfg.ChownGroup})
	}
	if cfg.WebhookURL != "" {
		chain = append(chain, hooks.WebhookNotifier{URL: cfg.WebhookURL})
	}
	var hook hooks.PostCreateHook = hooks.Noop{}
	if len(chain) > 0 {
		hook = chain
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	daemon := &supervisor.ReceiverDaemon{
		Dial: func() (serial.Device, error) {
			return serial.Dial(cfg.Port, baud)
		},
		StagingDir: cfg.StagingDir,
		OutputDir:  cfg.OutputDir,
		Hook:       hook,
		Log:        logger,
	}
	return daemon.Run(ctx)
}
