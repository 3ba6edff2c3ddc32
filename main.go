// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/dandrader/usb-bridge/bridge"
	"github.com/dandrader/usb-bridge/hostapi"
	"github.com/dandrader/usb-bridge/rest"
	"github.com/dandrader/usb-bridge/usbip"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	filters, err := getConfiguredFilters()
	if err != nil {
		return err
	}

	var host hostapi.HostAPI
	switch backend := viper.GetString("backend"); backend {
	case "local":
		local := hostapi.NewLocalHost(log.With(logger, "component", "local-host"))
		defer func() { _ = local.Shutdown() }()
		host = local
	case "usbip":
		targets, err := getConfiguredTargets()
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return fmt.Errorf("the usbip backend needs at least one target")
		}
		host = usbip.NewBackend(targets, usbip.NetDialer{}, log.With(logger, "component", "usbip"))
	default:
		return fmt.Errorf("backend %q unknown; possible values are: local, usbip", backend)
	}

	br := bridge.New(host, filters, log.With(logger, "component", "bridge"), r)
	if err := br.Refresh(context.Background()); err != nil {
		return errors.Wrap(err, "initial device enumeration failed")
	}

	var g run.Group
	{
		// Run the admin HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Periodically reconcile the device registry.
		interval := viper.GetDuration("refresh-interval")
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ctx, cancel := context.WithCancel(context.Background())
		t := time.NewTicker(interval)
		g.Add(func() error {
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := br.Refresh(ctx); err != nil {
						_ = level.Warn(logger).Log("msg", "device refresh failed", "err", err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		// Serve the bridge API.
		srv := rest.NewServer(br, viper.GetString("api-listen"), log.With(logger, "component", "api"), r)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", "starting the usb-bridge API")
			return srv.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
