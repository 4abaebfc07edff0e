package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/web3-uploader/api/clients"
	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/urfave/cli/v2"
)

var flagServerAddr = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:5000",
	Usage: "uploader base URL",
}
var flagUsername = &cli.StringFlag{
	Name:     "username",
	Aliases:  []string{"u"},
	Required: true,
	Usage:    "ledger account name",
}
var flagPrivkey = &cli.StringFlag{
	Name:     "privkey",
	Aliases:  []string{"p"},
	Required: true,
	EnvVars:  []string{"UPLOADER_PRIVKEY"},
	Usage:    "hex encoded secp256k1 private key of the account",
}
var flagAPIKey = &cli.StringFlag{
	Name:    "apikey",
	EnvVars: []string{"UPLOADER_APIKEY"},
	Usage:   "API key, when the server requires one",
}

func newClient(cCtx *cli.Context) (*clients.UploaderClient, error) {
	key, err := cryptoutils.ParsePrivateKey(cCtx.String(flagPrivkey.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &clients.UploaderClient{
		ServerAddr: cCtx.String(flagServerAddr.Name),
		Identity:   cCtx.String(flagUsername.Name),
		PrivateKey: key,
		APIKey:     cCtx.String(flagAPIKey.Name),
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &cli.App{
		Name:  "check-progress",
		Usage: "Query and drive uploads on an uploader server",
		Flags: []cli.Flag{flagServerAddr, flagUsername, flagPrivkey, flagAPIKey},
		Commands: []*cli.Command{
			{
				Name:      "progress",
				Usage:     "print the state of an upload, consuming it once uploaded",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "poll until the upload reached a final state"},
					&cli.DurationFlag{Name: "interval", Value: 2 * time.Second, Usage: "poll interval with --wait"},
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "give up waiting after this long"},
				},
				Action: func(cCtx *cli.Context) error {
					id := cCtx.Args().First()
					if id == "" {
						return errors.New("missing upload id")
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}

					ctx := context.Background()
					if !cCtx.Bool("wait") {
						view, err := c.Progress(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(view)
					}

					ctx, cancel := context.WithTimeout(ctx, cCtx.Duration("timeout"))
					defer cancel()
					view, err := c.WaitForUpload(ctx, id, cCtx.Duration("interval"))
					if view != nil {
						_ = printJSON(view)
					}
					return err
				},
			},
			{
				Name:      "upload",
				Usage:     "upload a file and print its id",
				ArgsUsage: "<file>",
				Action: func(cCtx *cli.Context) error {
					path := cCtx.Args().First()
					if path == "" {
						return errors.New("missing file")
					}
					c, err := newClient(cCtx)
					if err != nil {
						return err
					}

					f, err := os.Open(path)
					if err != nil {
						return err
					}
					defer f.Close()
					stat, err := f.Stat()
					if err != nil {
						return err
					}

					id, err := c.Upload(context.Background(), stat.Name(), f, stat.Size(), nil)
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
