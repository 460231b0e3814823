package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"allocator/internal/amqp"
	"allocator/internal/cli"
	apphttp "allocator/internal/http"
	applog "allocator/internal/log"
	"allocator/internal/notify"
	"allocator/internal/report"
	"allocator/internal/services"
	gsheet "allocator/internal/sheets/google"
)

const usage = `Usage: allocator-cli [-user ID] <command> [arguments]

Commands:
  dashboard [-frequency F]        totals and breakdowns for the user
  convert AMOUNT FROM TO          convert an amount between frequencies
  pending                         split proposals waiting for the user
  accept PROPOSAL_ID              accept a proposal addressed to the user
  reject PROPOSAL_ID              reject a proposal addressed to the user
  watch [-users A,B]              print new proposals as they arrive
  import FILE                     import expenses from a .csv or .xlsx file
  export [-format F] [-o FILE]    export expenses as csv, xlsx or sheet
  income [-o FILE]                export income as csv
  token                           issue an API token for the user
`

func main() {
	cli.LoadEnvFile()

	user := flag.String("user", os.Getenv("ALLOCATOR_USER"), "acting user id (default $ALLOCATOR_USER)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Logs go to stderr so command output stays clean.
	bootstrap := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	cfg := cli.LoadAndValidateConfig(bootstrap)
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: applog.ComponentApp,
		Output:    os.Stderr,
	})
	applog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = applog.NewContext(ctx, logger)

	backend := cli.InitStore(ctx, logger, cfg)
	defer backend.Close()

	// Proposals made from the terminal still reach API clients through the broker.
	var publisher notify.Notifier
	if cfg.AMQPURL != "" {
		broker, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, proposals will only be seen by polling", applog.FieldError, err)
		} else {
			defer broker.Close()
			publisher = broker
		}
	}

	engine := services.NewEngine(backend.Store, notify.Multi(publisher))
	a := &app{
		engine:       engine,
		imports:      services.NewImportService(engine),
		out:          os.Stdout,
		report:       report.New(os.Stdout),
		user:         *user,
		frequency:    cfg.Frequency(),
		pollInterval: cfg.PollInterval,
	}
	if cfg.JWTSecret != "" {
		a.tokens, _ = apphttp.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	}
	if cfg.GoogleSpreadsheetID != "" {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		x, err := gsheet.New(initCtx, gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsFile: cfg.GoogleCredentialsFile,
			CredentialsJSON: cfg.GoogleCredentialsJSON,
		})
		cancel()
		if err != nil {
			logger.Warn("Google Sheets export unavailable", applog.FieldError, err)
		} else {
			a.exporter = x
		}
	}

	if err := a.run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		backend.Close()
		os.Exit(1)
	}
}
