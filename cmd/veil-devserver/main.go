// The veil-devserver command runs the in-memory key distribution backend
// over HTTP, for local development and integration tests.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/cmd/flags"
	"github.com/veilcrypt/veil-go/devserver"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the API",
	},
	&cli.StringFlag{
		Name:  "signing-key",
		Usage: "hex-encoded HMAC secret for bearer and factor tokens (generated when empty)",
	},
	&cli.DurationFlag{
		Name:  "provisioning-delay",
		Value: 0,
		Usage: "how long new devices stay unprovisioned",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:  "veil-devserver",
		Usage: "Serve the in-memory key distribution backend over HTTP",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx, "veil-devserver")

			var signingKey []byte
			if s := cCtx.String("signing-key"); s != "" {
				var err error
				signingKey, err = hex.DecodeString(s)
				if err != nil {
					return fmt.Errorf("invalid signing-key: %w", err)
				}
			}

			model, err := backend.NewServer(backend.ServerConfig{
				SigningKey:        signingKey,
				ProvisioningDelay: cCtx.Duration("provisioning-delay"),
				Logger:            logger,
			})
			if err != nil {
				logger.Error("Failed to create backend model", "err", err)
				return err
			}

			srv, err := devserver.New(&devserver.Config{
				ListenAddr:               cCtx.String("listen-addr"),
				EnablePprof:              cCtx.Bool("pprof"),
				Log:                      logger,
				DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}, model)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			srv.RunInBackground()
			<-exit

			srv.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
