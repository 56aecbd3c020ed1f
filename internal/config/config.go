// Package config loads the sender/receiver daemons' configuration via
// pflag-bound cobra flags layered on a viper config file, so every
// setting can come from a flag or a config file. Environment variables
// are not read.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sierra-ops/datadiode/internal/serial"
)

// Common holds the settings both the sender and receiver daemons
// share: the serial link and logging.
type Common struct {
	Port     string
	Baud     uint32
	LogFile  string
	LogLevel string
}

// SenderConfig is the full configuration for the sending daemon.
type SenderConfig struct {
	Common

	SourceDir    string
	CacheDir     string
	LoopInterval time.Duration
}

// ReceiverConfig is the full configuration for the receiving daemon.
type ReceiverConfig struct {
	Common

	StagingDir string
	OutputDir  string
	ChownUser  string
	ChownGroup string
	WebhookURL string
}

// BindCommonFlags registers the flags shared by both daemons onto fs
// and binds them into v under the same names, so a config file key
// "port" overrides the flag default but an explicit --port overrides
// the config file.
func BindCommonFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("port", "/dev/ttyUSB0", "serial device path")
	fs.Uint32("baud", 921600, "serial baud rate")
	fs.String("log-file", "", "rotating log file path (empty disables file logging)")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlags(fs)
}

// LoadCommon reads the bound common settings out of v.
func LoadCommon(v *viper.Viper) Common {
	return Common{
		Port:     v.GetString("port"),
		Baud:     v.GetUint32("baud"),
		LogFile:  v.GetString("log-file"),
		LogLevel: v.GetString("log-level"),
	}
}

// BindSenderFlags registers sender-only flags in addition to the
// common ones.
func BindSenderFlags(fs *pflag.FlagSet, v *viper.Viper) {
	BindCommonFlags(fs, v)
	fs.String("source-dir", "", "root directory watched for outgoing files")
	fs.String("cache-dir", "", "working copy directory used during transfer")
	fs.Duration("loop-interval", 10*time.Second, "interval between polling scans of the source directory")
	_ = v.BindPFlags(fs)
}

// LoadSender reads a fully-populated SenderConfig out of v.
func LoadSender(v *viper.Viper) (SenderConfig, error) {
	cfg := SenderConfig{
		Common:       LoadCommon(v),
		SourceDir:    v.GetString("source-dir"),
		CacheDir:     v.GetString("cache-dir"),
		LoopInterval: v.GetDuration("loop-interval"),
	}
	if cfg.SourceDir == "" {
		return cfg, fmt.Errorf("config: source-dir is required")
	}
	if cfg.CacheDir == "" {
		return cfg, fmt.Errorf("config: cache-dir is required")
	}
	return cfg, nil
}

// BindReceiverFlags registers receiver-only flags in addition to the
// common ones.
func BindReceiverFlags(fs *pflag.FlagSet, v *viper.Viper) {
	BindCommonFlags(fs, v)
	fs.String("staging-dir", "", "directory for in-progress .part files")
	fs.String("output-dir", "", "directory the downstream uploader watches")
	fs.String("chown-user", "", "user to chown delivered files to (directories are not chowned)")
	fs.String("chown-group", "", "group to chown delivered files to (directories are not chowned)")
	fs.String("webhook-url", "", "optional webhook posted to after each delivered file")
	_ = v.BindPFlags(fs)
}

// LoadReceiver reads a fully-populated ReceiverConfig out of v.
func LoadReceiver(v *viper.Viper) (ReceiverConfig, error) {
	cfg := ReceiverConfig{
		Common:     LoadCommon(v),
		StagingDir: v.GetString("staging-dir"),
		OutputDir:  v.GetString("output-dir"),
		ChownUser:  v.GetString("chown-user"),
		ChownGroup: v.GetString("chown-group"),
		WebhookURL: v.GetString("webhook-url"),
	}
	if cfg.StagingDir == "" {
		return cfg, fmt.Errorf("config: staging-dir is required")
	}
	if cfg.OutputDir == "" {
		return cfg, fmt.Errorf("config: output-dir is required")
	}
	return cfg, nil
}

// BaudFlag converts a raw integer baud rate into the termios CFlag
// constant Adapter.Dial expects, rejecting unsupported rates rather
// than silently rounding to the nearest one.
func BaudFlag(baud uint32) (serial.CFlag, error) {
	switch baud {
	case 9600:
		return serial.B9600, nil
	case 19200:
		return serial.B19200, nil
	case 38400:
		return serial.B38400, nil
	case 57600:
		return serial.B57600, nil
	case 115200:
		return serial.B115200, nil
	case 230400:
		return serial.B230400, nil
	case 460800:
		return serial.B460800, nil
	case 921600:
		return serial.B921600, nil
	default:
		return 0, fmt.Errorf("config: unsupported baud rate %d", baud)
	}
}
