package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/katapult"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/logging"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/redact"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/runner"
)

const usage = `usage:
  katapult serve [-config configs/katapult.yaml]
  katapult dial  [-config configs/katapult.yaml] -to <number>
  katapult version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "dial":
		err = dial(os.Args[2:])
	case "version":
		fmt.Println(runner.Version)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("katapult_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func setup(name string, args []string, extra func(*flag.FlagSet)) (katapult.Config, *slog.Logger, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "configs/katapult.yaml", "path to the YAML config")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return katapult.Config{}, nil, err
	}
	cfg, err := katapult.LoadConfig(*configPath)
	if err != nil {
		return katapult.Config{}, nil, err
	}
	logger := logging.SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)
	return cfg, logger, nil
}

func serve(args []string) error {
	cfg, logger, err := setup("serve", args, nil)
	if err != nil {
		return err
	}
	app, err := katapult.New(cfg, katapult.Options{Logger: logger})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

func dial(args []string) error {
	var to string
	cfg, logger, err := setup("dial", args, func(fs *flag.FlagSet) {
		fs.StringVar(&to, "to", "", "destination number, national or E.164")
	})
	if err != nil {
		return err
	}
	if to == "" {
		return fmt.Errorf("dial: -to is required")
	}
	app, err := katapult.New(cfg, katapult.Options{Logger: logger})
	if err != nil {
		return err
	}
	callSID, err := app.Dial(context.Background(), to)
	if err != nil {
		return err
	}
	logger.Info("outbound_dial_started",
		slog.String("call_sid", callSID),
		slog.String("to", redact.Number(to)))
	return nil
}
