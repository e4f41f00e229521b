// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command chime runs the event scheduling service: it generates
// per-user occurrences, claims them when due and delivers them to the
// configured sink.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/config"
	"github.com/gravitational/chime/lib/service"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := Run(ctx, os.Args[1:]); err != nil {
		slog.Default().Error("Chime exited with error.", "error", err)
		os.Exit(1)
	}
}

// Run parses the command line and dispatches the selected command.
func Run(ctx context.Context, args []string) error {
	var cf config.CLIConf

	app := kingpin.New("chime", "Chime schedules per-user events and delivers them on time.")
	app.Flag("debug", "Enable verbose logging to stderr.").Short('d').BoolVar(&cf.Debug)
	app.Flag("config", "Path to a chime YAML configuration file.").Short('c').StringVar(&cf.ConfigPath)
	app.HelpFlag.Short('h')

	startCmd := app.Command("start", "Start the scheduling service.")
	startCmd.Flag("diag-addr", "Diagnostics listen address serving /healthz, /readyz and /metrics.").StringVar(&cf.DiagAddr)

	scanCmd := app.Command("scan", "Run one recovery pass without enqueueing missed occurrences, report the backlog and exit.")

	versionCmd := app.Command("version", "Print the chime version.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	setupLogger(cf.Debug)

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(ctx, &cf))
	case scanCmd.FullCommand():
		return trace.Wrap(onScan(ctx, &cf))
	case versionCmd.FullCommand():
		fmt.Printf("chime v%s go%s %s/%s\n", chime.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	default:
		return trace.BadParameter("command %q not configured", command)
	}
}

func setupLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func onStart(ctx context.Context, cf *config.CLIConf) error {
	cfg, err := config.FromCLIConf(cf, slog.Default())
	if err != nil {
		return trace.Wrap(err)
	}
	// The file may enable debug logging even when the flag did not.
	if cfg.Debug {
		setupLogger(true)
	}

	process, err := service.New(ctx, service.Config{Config: cfg})
	if err != nil {
		return trace.Wrap(err)
	}
	runErr := process.Run(ctx)
	return trace.NewAggregate(runErr, process.Close())
}

func onScan(ctx context.Context, cf *config.CLIConf) error {
	cfg, err := config.FromCLIConf(cf, slog.Default())
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Recovery.DetectOnly = true

	process, err := service.New(ctx, service.Config{Config: cfg})
	if err != nil {
		return trace.Wrap(err)
	}
	summary, err := process.Scan(ctx)
	if err != nil {
		return trace.NewAggregate(err, process.Close())
	}

	fmt.Printf("Missed occurrences: %d\n", summary.Missed)
	if summary.Missed > 0 {
		fmt.Printf("Backlog spans %v through %v\n",
			summary.EarliestMissed.Format(time.RFC3339),
			summary.LatestMissed.Format(time.RFC3339),
		)
	}
	fmt.Printf("Reclaimed expired leases: %d\n", summary.Reclaimed)
	return trace.Wrap(process.Close())
}
