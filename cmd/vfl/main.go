// Command vfl synthesises and deploys the EC2 compute stack and the VPC flow
// log monitoring stack.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLog installs a console logger on ctx. When logFile is non-nil every
// record is also written to it as JSON at debug level.
func setupLog(ctx context.Context, console io.Writer, level string, logFile io.Writer) (context.Context, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("parse log level %q: %w", level, err)
	}

	handlers := []slog.Handler{
		charmlog.NewWithOptions(console, charmlog.Options{
			Level:           lvl,
			ReportTimestamp: true,
			Prefix:          "vfl",
		}),
	}
	if logFile != nil {
		handlers = append(handlers, slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger), nil
}
