// Command tracker runs the fileswarm tracker: it binds a control
// listener and serves ADD/ADD_BLOCK/LIST/FILE requests until killed
// (spec C6).
package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mccartykim/fileswarm/internal/tracker"
)

func main() {
	var logLevel string
	var metricsAddr string
	var poolSize int

	root := &cobra.Command{
		Use:   "tracker <listen-address>",
		Short: "Run the fileswarm tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			entry := logrus.NewEntry(log)

			if metricsAddr != "" {
				go func() {
					http.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, nil); err != nil {
						entry.WithError(err).Warn("tracker: metrics server stopped")
					}
				}()
			}

			srv, err := tracker.New(args[0], poolSize, entry)
			if err != nil {
				return err
			}
			entry.WithField("addr", srv.Addr().String()).Info("tracker: listening")
			return srv.Serve()
		},
	}

	root.Flags().StringVar(&logLevel, "log-level", "info", "log verbosity: panic, fatal, error, warn, info, debug, trace")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	root.Flags().IntVar(&poolSize, "pool-size", tracker.DefaultPoolSize, "number of concurrent connection handlers")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("tracker: exiting")
		os.Exit(1)
	}
}
