// Command node runs a fileswarm node: it announces its shared directory
// to the tracker, seeds blocks of files it holds, and downloads files on
// request from an interactive command loop (spec C7).
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mccartykim/fileswarm/internal/leecher"
	"github.com/mccartykim/fileswarm/internal/node"
	"github.com/mccartykim/fileswarm/internal/seeder"
)

func main() {
	var logLevel string
	var metricsAddr string
	var dir string
	var seederAddr string
	var maxWorkers int

	root := &cobra.Command{
		Use:   "node <tracker-address>",
		Short: "Run a fileswarm node",
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
						entry.WithError(err).Warn("node: metrics server stopped")
					}
				}()
			}

			sup, err := node.Start(args[0], dir, seederAddr, maxWorkers, entry)
			if err != nil {
				return fmt.Errorf("node: startup with tracker %s failed: %w", args[0], err)
			}
			defer sup.Close()

			entry.WithFields(logrus.Fields{"tracker": args[0], "dir": dir}).Info("node: announced shared directory")
			runCommandLoop(sup, entry)
			return nil
		},
	}

	root.Flags().StringVar(&logLevel, "log-level", "info", "log verbosity: panic, fatal, error, warn, info, debug, trace")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	root.Flags().StringVar(&dir, "dir", ".", "shared directory to scan, seed, and download into")
	root.Flags().StringVar(&seederAddr, "seeder-addr", fmt.Sprintf(":%d", seeder.DefaultPort), "address for this node's seeder to bind")
	root.Flags().IntVar(&maxWorkers, "max-workers", leecher.DefaultMaxWorkers, "maximum parallel download workers per file")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("node: exiting")
		os.Exit(1)
	}
}

// runCommandLoop implements the stdin command loop from spec §6: list,
// file, exit. Unknown commands print a diagnostic and continue.
func runCommandLoop(sup *node.Supervisor, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: list, file, exit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "list":
			names, err := sup.List()
			if err != nil {
				log.WithError(err).Warn("node: list failed")
				continue
			}
			for _, n := range names {
				fmt.Println(n)
			}

		case "file":
			fmt.Print("name: ")
			if !scanner.Scan() {
				return
			}
			name := strings.TrimSpace(scanner.Text())
			done, err := sup.Fetch(name)
			if err != nil {
				log.WithError(err).Warn("node: file request failed")
				continue
			}
			if done {
				fmt.Printf("%s: download complete\n", name)
			} else {
				fmt.Printf("%s: download did not finish, some blocks had no reachable holder\n", name)
			}

		case "exit":
			return

		default:
			fmt.Printf("unknown command: %q\n", cmd)
		}
	}
}
