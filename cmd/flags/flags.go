// Package flags holds the cli flags and setup helpers shared by the veil
// commands.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/veilcrypt/veil-go/common"
)

// SetupLogger builds the process logger from the common log flags.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ApiURLFlag = &cli.StringFlag{
	Name:    "api-url",
	Value:   "http://127.0.0.1:8080",
	Usage:   "key distribution backend URL",
	EnvVars: []string{"VEIL_API_URL"},
}
var AppIDFlag = &cli.StringFlag{
	Name:    "app-id",
	Usage:   "application ID registered with the backend",
	EnvVars: []string{"VEIL_APP_ID"},
}
var DatabasePathFlag = &cli.StringFlag{
	Name:    "db-path",
	Usage:   "directory for the encrypted local database (empty for in-memory)",
	EnvVars: []string{"VEIL_DB_PATH"},
}
var DatabaseKeyFlag = &cli.StringFlag{
	Name:    "db-key",
	Usage:   "hex-encoded 64-byte local database encryption key",
	EnvVars: []string{"VEIL_DB_KEY"},
}
var InstanceNameFlag = &cli.StringFlag{
	Name:  "instance-name",
	Value: "veil-cli",
	Usage: "instance name added to logs",
}

// SdkFlags configure the SDK connection and local database.
var SdkFlags = []cli.Flag{
	ApiURLFlag,
	AppIDFlag,
	DatabasePathFlag,
	DatabaseKeyFlag,
	InstanceNameFlag,
}
