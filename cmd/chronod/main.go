package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chronod/internal/app"
	logx "chronod/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		waitForJobs bool
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./chronod.yaml", "path to config (yaml or json)")
	flag.BoolVar(&waitForJobs, "wait-for-jobs", true, "let running jobs finish on shutdown")
	flag.DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for a clean shutdown")
	flag.Parse()

	// Until the config is loaded and after logging is closed.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	a.WaitForJobs = waitForJobs

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	if err := a.Stop(stopCtx, reason); err != nil {
		boot.Warn("stop incomplete", logx.Err(err))
	}
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}
