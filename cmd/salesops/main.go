package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"salesops/internal/app"
	"salesops/internal/config"
	"salesops/pkg/logx"
)

func main() {
	var (
		cfgPath string
		envFile string
		runJob  string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.StringVar(&envFile, "env", ".env", "dotenv file loaded before the config (missing file is ignored)")
	flag.StringVar(&runJob, "run-job", "", "run one scheduled job (post_visit, agenda, pending_prune) and exit")
	flag.Parse()

	boot := logx.NewConsole("info")
	if err := config.LoadDotEnv(envFile); err != nil {
		boot.Error("load env file", logx.String("path", envFile), logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(1)
	}

	if runJob != "" {
		os.Exit(oneShot(ctx, a, runJob))
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("fatal start", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	notify(a.Logger(), daemon.SdNotifyReady)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	notify(a.Logger(), daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

func oneShot(ctx context.Context, a *app.App, job string) int {
	code := 0
	if err := a.RunJob(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "run-job %s: %v\n", job, err)
		code = 1
	}
	_ = a.Stop(context.Background(), app.StopOneShot)
	return code
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	} else if ok {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
