package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/xorstore/pkg/server/httpapi"
	"github.com/jacktea/xorstore/pkg/server/middleware"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve public records over a read-only HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := &httpapi.Server{
				Client: application.client,
				Log:    application.log.WithField("component", "gateway"),
				Opts:   gatewayOptions(),
			}
			return srv.Start(application.ctx, viper.GetString("serve.listen"))
		},
	}
	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:8080", "listen address")
	flags.String("api-key", "", "shared secret required via X-API-Key or Bearer token")
	flags.Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	flags.Duration("rate-window", time.Second, "rate limit window")
	flags.Int("page-size", 100, "default archive listing page size")
	flags.Bool("metrics", true, "expose /metrics")
	for _, name := range []string{"listen", "api-key", "rate-limit", "rate-window", "page-size", "metrics"} {
		bindConfig("serve."+name, flags.Lookup(name))
	}
	return cmd
}

func gatewayOptions() httpapi.Options {
	opts := httpapi.Options{
		APIKey: viper.GetString("serve.api-key"),
		RateLimit: middleware.RateLimitOptions{
			Requests: viper.GetInt("serve.rate-limit"),
			Window:   viper.GetDuration("serve.rate-window"),
		},
		DefaultPageSize: viper.GetInt("serve.page-size"),
	}
	if viper.GetBool("serve.metrics") {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return opts
}
