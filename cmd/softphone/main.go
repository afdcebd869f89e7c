// Command softphone консольный SIP телефон: регистрация, исходящие и входящие
// звонки, удержание. Команды читаются из stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sipua/internal/config"
	"github.com/arzzra/sipua/internal/log"
	"github.com/arzzra/sipua/pkg/profile"
	"github.com/arzzra/sipua/pkg/session"
	"github.com/arzzra/sipua/pkg/sip/resolver"
	"github.com/arzzra/sipua/pkg/sip/transaction"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		listen     = flag.String("listen", "", "SIP listen address host:port")
		network    = flag.String("transport", "", "udp or tcp")
		uri        = flag.String("uri", "", "local SIP URI, e.g. sip:alice@example.com")
		password   = flag.String("password", "", "digest password")
		proxy      = flag.String("proxy", "", "outbound proxy host:port")
		mediaPort  = flag.Int("media-port", 0, "local RTP port")
		logFormat  = flag.String("log-format", "", "console, dev or json")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
		metrics    = flag.String("metrics", "", "address for /metrics, empty disables")
	)
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// флаги перекрывают значения файла
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			conf.Listen = *listen
		case "transport":
			conf.Transport = *network
		case "uri":
			conf.Profile.URI = *uri
		case "password":
			conf.Profile.Password = *password
		case "proxy":
			conf.OutboundProxy = *proxy
		case "media-port":
			conf.Media.Port = *mediaPort
		case "log-format":
			conf.Log.Format = *logFormat
		case "log-level":
			conf.Log.Level = *logLevel
		case "metrics":
			conf.Metrics.Listen = *metrics
		}
	})
	conf.Init()
	if err := conf.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	if err := run(conf); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(conf *config.Config) error {
	level, err := log.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	logger := log.New(os.Stderr, log.Format(conf.Log.Format), level)

	local, err := profile.NewBuilder(conf.Profile.URI).
		DisplayName(conf.Profile.DisplayName).
		AuthUsername(conf.Profile.AuthUsername).
		Password(conf.Profile.Password).
		Build()
	if err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []session.Option{
		session.WithNetwork(conf.Transport),
		session.WithTimers(transaction.NewTimers(conf.Timers.T1, conf.Timers.T2, conf.Timers.T4)),
		session.WithRegisterExpires(conf.RegisterExpires),
		session.WithRetries(conf.Retries.Register, conf.Retries.Change),
		session.WithLogger(logger),
		session.WithMetrics(reg),
		session.WithResolver(&resolver.Resolver{NameServer: conf.NameServer}),
	}
	if conf.OutboundProxy != "" {
		opts = append(opts, session.WithOutboundProxy(conf.OutboundProxy))
	}
	layer := session.NewLayer(opts...)
	if err := layer.Open(ctx, conf.Listen); err != nil {
		return fmt.Errorf("open sip layer: %w", err)
	}
	defer layer.Close()

	if conf.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              conf.Metrics.Listen,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	p := newPhone(ctx, layer, local, conf, logger, os.Stdout)
	defer p.close()
	layer.SetDefaultListener(p)

	logger.Info("softphone started",
		slog.String("uri", local.String()),
		slog.Any("local_addr", layer.LocalAddr()),
	)
	p.printf("type 'help' for commands")

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				p.printf("%v", err)
				continue
			}
			if cmd.name == cmdQuit {
				return nil
			}
			if err := p.exec(cmd); err != nil {
				p.printf("%s: %v", cmd.name, err)
			}
		}
	}
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}
