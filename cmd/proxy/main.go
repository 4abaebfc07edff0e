package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/cmd/flags"
	"github.com/ruteri/web3-uploader/ledger"
	"github.com/ruteri/web3-uploader/proxy"
	"github.com/urfave/cli/v2"
)

var proxyFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "0.0.0.0:5081",
		Usage: "address to accept client connections on",
	},
	&cli.StringFlag{
		Name:  "upstream",
		Value: "http://127.0.0.1:5083",
		Usage: "uploader base URL to forward authenticated requests to",
	},
	&cli.StringFlag{
		Name:  "ledger",
		Value: "account",
		Usage: "ownership ledger: 'account' or 'address'",
	},
	&cli.StringFlag{
		Name:  "ledger-api",
		Value: "https://avalon.d.tube",
		Usage: "account API used to check key ownership",
	},
	&cli.DurationFlag{
		Name:  "freshness-window",
		Value: time.Hour,
		Usage: "maximum age of a signed request",
	},
}

func main() {
	app := &cli.App{
		Name:  "uploader-proxy",
		Usage: "Forward only signed requests with ledger-owned keys to the uploader",
		Flags: append(proxyFlags, flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			verifier, err := ledger.New(ledger.Options{
				Kind:     cCtx.String("ledger"),
				APIURL:   cCtx.String("ledger-api"),
				Timeout:  10 * time.Second,
				CacheTTL: time.Minute,
			}, logger)
			if err != nil {
				logger.Error("Failed to create ledger client", "err", err)
				return err
			}

			authenticator, err := auth.NewAuthenticator(auth.Config{
				FreshnessWindow: cCtx.Duration("freshness-window"),
				VerifyOwnership: true,
			}, verifier, logger)
			if err != nil {
				return err
			}

			p, err := proxy.New(proxy.Config{
				ListenAddr:    cCtx.String("listen-addr"),
				Upstream:      cCtx.String("upstream"),
				Authenticator: authenticator,
				Log:           logger,
			})
			if err != nil {
				logger.Error("Failed to create proxy", "err", err)
				return err
			}
			p.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")
			return p.Shutdown(context.Background())
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
