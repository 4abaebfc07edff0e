// Package flags holds the command line flags shared by the uploader binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/web3-uploader/api"
	"github.com/ruteri/web3-uploader/common"
	"github.com/urfave/cli/v2"
)

const (
	categoryLogging = "logging"
	categoryServer  = "server"
)

// SetupLogger builds the process logger from the logging flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
		File:    cCtx.String(LogFileFlag.Name),
	})

	if cCtx.Bool(LogUidFlag.Name) {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}

// ConfigureServer combines the server flags with values from the config
// document.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string, rateLimit float64) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		Version:                  common.Version,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		RateLimit:                rateLimit,
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              cCtx.Duration(ReadTimeoutFlag.Name),
		WriteTimeout:             30 * time.Second,
		IdleTimeout:              2 * time.Minute,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "./config.json",
	EnvVars: []string{"UPLOADER_CONFIG"},
	Usage:   "path to the JSON configuration document",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:     "log-json",
	Category: categoryLogging,
	EnvVars:  []string{"UPLOADER_LOG_JSON"},
	Usage:    "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:     "log-debug",
	Category: categoryLogging,
	EnvVars:  []string{"UPLOADER_LOG_DEBUG"},
	Usage:    "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:     "log-uid",
	Category: categoryLogging,
	Usage:    "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:     "log-service",
	Category: categoryLogging,
	Value:    common.PackageName,
	Usage:    "add 'service' tag to logs",
}
var LogFileFlag = &cli.StringFlag{
	Name:     "log-file",
	Category: categoryLogging,
	EnvVars:  []string{"UPLOADER_LOG_FILE"},
	Usage:    "also write logs to this file, rotated by size (e.g. logs/logs.log)",
}

var PprofFlag = &cli.BoolFlag{
	Name:     "pprof",
	Category: categoryServer,
	Usage:    "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:     "drain-seconds",
	Category: categoryServer,
	Value:    45,
	Usage:    "seconds to stay unready before shutting down",
}
var ReadTimeoutFlag = &cli.DurationFlag{
	Name:     "read-timeout",
	Category: categoryServer,
	Value:    30 * time.Minute,
	Usage:    "upper bound for reading one request, upload chunks included",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	LogFileFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	ReadTimeoutFlag,
}, LogFlags...)
