// The veil command exercises the SDK against a key distribution backend:
// account lifecycle, message encryption, revocation, device re-encryption
// and identity backups.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/veilcrypt/veil-go/cmd/flags"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/sdk"
	"github.com/veilcrypt/veil-go/storage"
	"github.com/veilcrypt/veil-go/storage/ssks"
)

func newSdk(cCtx *cli.Context, logger *slog.Logger) (*sdk.Sdk, error) {
	keyHex := cCtx.String(flags.DatabaseKeyFlag.Name)
	if keyHex == "" {
		return nil, fmt.Errorf("--db-key is required")
	}
	dbKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --db-key: %w", err)
	}

	return sdk.New(sdk.Config{
		ApiURL:                cCtx.String(flags.ApiURLFlag.Name),
		AppID:                 cCtx.String(flags.AppIDFlag.Name),
		DatabasePath:          cCtx.String(flags.DatabasePathFlag.Name),
		DatabaseEncryptionKey: dbKey,
		InstanceName:          cCtx.String(flags.InstanceNameFlag.Name),
		Logger:                logger,
	})
}

func backupStore(cCtx *cli.Context, logger *slog.Logger) (*ssks.Store, error) {
	uris := cCtx.StringSlice("storage-uri")
	if len(uris) == 0 {
		return nil, fmt.Errorf("at least one --storage-uri is required")
	}

	backend, err := storage.NewFactory(logger).MultiBackendFor(uris)
	if err != nil {
		return nil, err
	}
	return ssks.NewStore(backend, cCtx.String(flags.AppIDFlag.Name), logger), nil
}

var storageURIFlag = &cli.StringSliceFlag{
	Name:  "storage-uri",
	Usage: "backup storage location URI (repeat for redundancy)",
}

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "Manage the local account and device identity",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "Register a new account on the backend",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "signup-jwt", Usage: "signup authorization token"},
				&cli.StringFlag{Name: "display-name"},
				&cli.StringFlag{Name: "device-name"},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				info, err := s.CreateAccount(cCtx.Context, sdk.CreateAccountOptions{
					SignupJWT:   cCtx.String("signup-jwt"),
					DisplayName: cCtx.String("display-name"),
					DeviceName:  cCtx.String("device-name"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("user:   %s\ndevice: %s\nexpires: %s\n", info.UserID, info.DeviceID, info.DeviceExpires)
				return nil
			},
		},
		{
			Name:  "info",
			Usage: "Show the current account",
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				info, err := s.CurrentAccountInfo()
				if err != nil {
					return err
				}
				fmt.Printf("user:   %s\ndevice: %s\nexpires: %s\n", info.UserID, info.DeviceID, info.DeviceExpires)
				return nil
			},
		},
		{
			Name:  "renew-keys",
			Usage: "Rotate the device keypair",
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()
				return s.RenewKeys(cCtx.Context, 0)
			},
		},
		{
			Name:  "export",
			Usage: "Export the identity to a file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Required: true, Usage: "output file"},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				identity, err := s.ExportIdentity()
				if err != nil {
					return err
				}
				return os.WriteFile(cCtx.String("out"), identity, 0o600)
			},
		},
		{
			Name:  "import",
			Usage: "Import an identity from a file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "in", Required: true, Usage: "input file"},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				identity, err := os.ReadFile(cCtx.String("in"))
				if err != nil {
					return err
				}
				return s.ImportIdentity(identity)
			},
		},
	},
}

var encryptCommand = &cli.Command{
	Name:      "encrypt",
	Usage:     "Create an encryption session and encrypt a message",
	ArgsUsage: "<message>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "recipients", Usage: "comma-separated recipient user or group IDs"},
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return fmt.Errorf("expected exactly one message argument")
		}
		logger := flags.SetupLogger(cCtx, "veil")
		s, err := newSdk(cCtx, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		// Only listed recipients get access, so grant the current account
		// unless the caller already listed it.
		info, err := s.CurrentAccountInfo()
		if err != nil {
			return err
		}
		recipients := []interfaces.RecipientWithRights{{RecipientID: info.UserID.String()}}
		if r := cCtx.String("recipients"); r != "" {
			for _, id := range strings.Split(r, ",") {
				id = strings.TrimSpace(id)
				if id == "" || id == info.UserID.String() {
					continue
				}
				recipients = append(recipients, interfaces.RecipientWithRights{RecipientID: id})
			}
		}

		session, err := s.CreateEncryptionSession(cCtx.Context, recipients, false)
		if err != nil {
			return err
		}
		encrypted, err := session.EncryptMessage(cCtx.Args().First())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session: %s\n", session.ID)
		fmt.Println(encrypted)
		return nil
	},
}

var decryptCommand = &cli.Command{
	Name:      "decrypt",
	Usage:     "Decrypt a message, resolving its session from the container",
	ArgsUsage: "<encrypted-message>",
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return fmt.Errorf("expected exactly one message argument")
		}
		logger := flags.SetupLogger(cCtx, "veil")
		s, err := newSdk(cCtx, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		session, err := s.RetrieveEncryptionSessionFromMessage(cCtx.Context, cCtx.Args().First(), true, true, true)
		if err != nil {
			return err
		}
		decrypted, err := session.DecryptMessage(cCtx.Args().First())
		if err != nil {
			return err
		}
		fmt.Println(decrypted)
		return nil
	},
}

var revokeCommand = &cli.Command{
	Name:      "revoke",
	Usage:     "Revoke recipients from a session",
	ArgsUsage: "[recipient-id...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "session", Required: true, Usage: "session ID"},
		&cli.BoolFlag{Name: "all", Usage: "revoke everyone including yourself"},
		&cli.BoolFlag{Name: "others", Usage: "revoke everyone but yourself"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx, "veil")
		s, err := newSdk(cCtx, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := interfaces.ParseSessionID(cCtx.String("session"))
		if err != nil {
			return err
		}
		session, err := s.RetrieveEncryptionSession(cCtx.Context, id, false, false, false)
		if err != nil {
			return err
		}

		var result *interfaces.RevokeResult
		switch {
		case cCtx.Bool("all"):
			result, err = session.RevokeAll(cCtx.Context)
		case cCtx.Bool("others"):
			result, err = session.RevokeOthers(cCtx.Context)
		default:
			if cCtx.NArg() == 0 {
				return fmt.Errorf("pass recipient IDs, --others or --all")
			}
			result, err = session.RevokeRecipients(cCtx.Context, cCtx.Args().Slice(), nil)
		}
		if err != nil {
			return err
		}

		for recipient, status := range result.Recipients {
			fmt.Printf("%s: %s\n", recipient, status.Result)
		}
		return nil
	},
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "Inspect and repair the account's devices",
	Subcommands: []*cli.Command{
		{
			Name:  "missing-keys",
			Usage: "List devices that are missing session keys",
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				devices, err := s.DevicesMissingKeys(cCtx.Context, true)
				if err != nil {
					return err
				}
				for _, device := range devices {
					fmt.Println(device.DeviceID)
				}
				return nil
			},
		},
		{
			Name:      "reencrypt",
			Usage:     "Copy missing session keys to a device",
			ArgsUsage: "<device-id>",
			Action: func(cCtx *cli.Context) error {
				if cCtx.NArg() != 1 {
					return fmt.Errorf("expected exactly one device-id argument")
				}
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				resp, err := s.MassReencrypt(cCtx.Context,
					interfaces.DeviceID(cCtx.Args().First()),
					interfaces.DefaultMassReencryptOptions())
				if err != nil {
					return err
				}
				fmt.Printf("reencrypted: %d\nfailed: %d\n", resp.Reencrypted, resp.Failed)
				return nil
			},
		},
	},
}

var backupCommand = &cli.Command{
	Name:  "backup",
	Usage: "Save and restore the identity through backup storage",
	Subcommands: []*cli.Command{
		{
			Name:  "save",
			Usage: "Export the identity and save it encrypted with a password",
			Flags: []cli.Flag{
				storageURIFlag,
				&cli.StringFlag{Name: "user-id", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				store, err := backupStore(cCtx, logger)
				if err != nil {
					return err
				}
				identity, err := s.ExportIdentity()
				if err != nil {
					return err
				}

				id, err := store.SaveIdentityFromPassword(cCtx.Context,
					cCtx.String("user-id"), cCtx.String("password"), identity)
				if err != nil {
					return err
				}
				fmt.Printf("backup: %s\n", id)
				return nil
			},
		},
		{
			Name:  "restore",
			Usage: "Retrieve a password-protected identity and import it",
			Flags: []cli.Flag{
				storageURIFlag,
				&cli.StringFlag{Name: "user-id", Required: true},
				&cli.StringFlag{Name: "password", Required: true},
			},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx, "veil")
				s, err := newSdk(cCtx, logger)
				if err != nil {
					return err
				}
				defer s.Close()

				store, err := backupStore(cCtx, logger)
				if err != nil {
					return err
				}
				identity, err := store.RetrieveIdentityFromPassword(cCtx.Context,
					cCtx.String("user-id"), cCtx.String("password"))
				if err != nil {
					return err
				}
				return s.ImportIdentity(identity)
			},
		},
	},
}

func main() {
	app := &cli.App{
		Name:  "veil",
		Usage: "Encrypt, share and revoke messages through a key distribution backend",
		Flags: append(append([]cli.Flag{}, flags.SdkFlags...), flags.LogFlags...),
		Commands: []*cli.Command{
			accountCommand,
			encryptCommand,
			decryptCommand,
			revokeCommand,
			devicesCommand,
			backupCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
