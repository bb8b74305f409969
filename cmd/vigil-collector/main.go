// vigil-collector is a standalone ingest server for agent metric streams. It merges every
// received batch into one store and periodically logs a summary of what it holds, which makes
// it useful for local development and for smoke-testing an agent deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linchenxuan/vigil/collector"
	"github.com/linchenxuan/vigil/log"
	"github.com/linchenxuan/vigil/metrics"
	"github.com/linchenxuan/vigil/runtime"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenAddr     string
		logLevel       string
		logFormat      string
		summaryEvery   time.Duration
		maxRecvMsgSize int
		dumpOnExit     bool
	)

	flagSet := pflag.NewFlagSet("vigil-collector", pflag.ContinueOnError)
	flagSet.StringVarP(&listenAddr, "listen", "l", "127.0.0.1:4317", "address to accept metric streams on")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	flagSet.StringVar(&logFormat, "log-format", "console", "log encoder: json or console")
	flagSet.DurationVar(&summaryEvery, "summary-interval", 30*time.Second, "how often to log a summary; 0 disables")
	flagSet.IntVar(&maxRecvMsgSize, "max-recv-msg-size", 16<<20, "largest accepted batch message in bytes")
	flagSet.BoolVar(&dumpOnExit, "dump", false, "print the merged store as JSON on exit")
	flagSet.BoolP("help", "h", false, "show help")
	version := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: vigil-collector [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if *version {
		fmt.Println("vigil-collector", runtime.Version)
		return nil
	}

	if err := log.Initialize(&log.LogCfg{
		LogLevel:        log.ParseLevel(logLevel),
		Format:          logFormat,
		ConsoleAppender: true,
	}); err != nil {
		return err
	}
	defer log.Close()

	srv := collector.New(collector.Config{
		ListenAddr:     listenAddr,
		MaxRecvMsgSize: maxRecvMsgSize,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tick <-chan time.Time
	if summaryEvery > 0 {
		t := time.NewTicker(summaryEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("collector shutting down")
			srv.Stop()
			summarize(srv)
			if dumpOnExit {
				return dump(srv.Received())
			}
			return nil
		case <-tick:
			summarize(srv)
		}
	}
}

func summarize(srv *collector.Server) {
	b := srv.Received()
	var calls uint64
	for _, m := range b.Metrics {
		calls += m.Data.Count
	}
	log.Info().Uint64("batches", srv.Batches()).Int64("streams", srv.ActiveStreams()).
		Int("metrics", b.Len()).Uint64("calls", calls).Msg("collector summary")
}

func dump(b *metrics.Batch) error {
	data, err := b.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "%s\n", data)
	return err
}
