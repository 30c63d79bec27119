package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/badu/aeronet"
	"github.com/badu/aeronet/metrics"
)

// aeronetd is a standalone process wrapping one Server, configured via
// flags/env/file through viper and exposed through a cobra command —
// the same split nabbar-golib's config/components packages use between
// flag registration and value resolution.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "aeronetd",
		Short: "Run an aeronet HTTP engine as a standalone process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a config file (yaml/json/toml, viper-detected)")
	flags.Uint16("port", 8080, "listen port (0 picks an ephemeral port)")
	flags.Bool("reuse-port", false, "enable SO_REUSEPORT for horizontal scaling")
	flags.Bool("enable-ipv6", false, "prefer an IPv6 listener with IPv4 fallback")
	flags.Duration("keep-alive-timeout", 0, "idle keep-alive timeout (0 keeps the default)")
	flags.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("log-level", "info", "logrus level: trace, debug, info, warn, error")

	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("reusePort", flags.Lookup("reuse-port"))
	_ = v.BindPFlag("enableIPv6", flags.Lookup("enable-ipv6"))
	_ = v.BindPFlag("keepAliveTimeout", flags.Lookup("keep-alive-timeout"))
	_ = v.BindPFlag("metricsAddr", flags.Lookup("metrics-addr"))
	_ = v.BindPFlag("logLevel", flags.Lookup("log-level"))

	v.SetEnvPrefix("AERONET")
	v.AutomaticEnv()

	return cmd
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("aeronetd: reading config: %w", err)
		}
	}

	cfg := aeronet.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("aeronetd: decoding config: %w", err)
	}
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = aeronet.DefaultConfig().KeepAliveTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(v.GetString("logLevel")); err == nil {
		log.SetLevel(lvl)
	}

	builder := aeronet.NewBuilder(cfg).Logger(log)
	builder.Handle(http.MethodGet, "/", func(req *aeronet.Request) *aeronet.Response {
		return aeronet.NewResponse().Status(200).ContentType("text/plain").Body([]byte("aeronet is running\n"))
	})

	srv, err := builder.Build()
	if err != nil {
		return fmt.Errorf("aeronetd: building server: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("aeronetd: listen: %w", err)
	}
	log.WithField("port", srv.Port()).Info("aeronetd listening")

	if addr := v.GetString("metricsAddr"); addr != "" {
		startMetricsServer(addr, srv, log)
	}

	async := aeronet.NewAsyncServer(srv)
	async.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("aeronetd shutting down")

	if err := async.StopAndJoin(); err != nil {
		return fmt.Errorf("aeronetd: server exited with error: %w", err)
	}
	return nil
}

// startMetricsServer runs a standalone prometheus HTTP handler in the
// background; it does not use the engine under test to serve its own
// scrape endpoint, avoiding a dependency loop between the thing being
// measured and the thing measuring it.
func startMetricsServer(addr string, srv *aeronet.Server, log *logrus.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(srv, srv.Name()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		log.WithField("addr", addr).Info("aeronetd metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Error("aeronetd metrics server exited")
		}
	}()
}
