package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/burrowops/burrow/pkg/config"
	"github.com/burrowops/burrow/pkg/guard"
	"github.com/burrowops/burrow/pkg/log"
	"github.com/burrowops/burrow/pkg/metrics"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Run the Guard ingress proxy",
	Long: `Runs the user-facing ingress proxy. Requests are resolved to
targets through the routing table, per-actor middleware policy is applied,
and HTTP and WebSocket traffic is streamed to the selected upstream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		routesPath, _ := cmd.Flags().GetString("routes")
		routes, err := loadRouteTable(routesPath)
		if err != nil {
			return err
		}

		metrics.Register()
		metricsServer := metrics.StartServer(cfg.MetricsAddr)
		defer metricsServer.Close()

		proxy := guard.NewProxyService(&guard.Config{
			Routing: routes.resolve,
		})

		server := &http.Server{
			Addr:        cfg.GuardHTTPAddr,
			Handler:     proxy,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		}

		logger := log.Component("cmd")
		go func() {
			logger.Info().Str("addr", cfg.GuardHTTPAddr).Msg("guard listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("guard server error")
			}
		}()

		waitForShutdown()

		logger.Info().Msg("shutting down guard")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	guardCmd.Flags().String("routes", "", "Path to the static route table (YAML)")
}

// routeTable is a file-backed routing function for deployments without a
// dynamic control plane: hostname to target list.
type routeTable struct {
	Routes []routeEntry `yaml:"routes"`
}

type routeEntry struct {
	Hostname string        `yaml:"hostname"`
	Targets  []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	ActorID string `yaml:"actor_id,omitempty"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path,omitempty"`
}

func loadRouteTable(path string) (*routeTable, error) {
	if path == "" {
		return &routeTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route table: %w", err)
	}
	var table routeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse route table: %w", err)
	}
	return &table, nil
}

func (t *routeTable) resolve(ctx context.Context, input guard.RoutingInput) (guard.RoutingOutput, error) {
	for _, entry := range t.Routes {
		if entry.Hostname != input.Hostname {
			continue
		}
		targets := make([]guard.RouteTarget, 0, len(entry.Targets))
		for _, te := range entry.Targets {
			target := guard.RouteTarget{Host: te.Host, Port: te.Port, Path: te.Path}
			if te.ActorID != "" {
				id, err := uuid.Parse(te.ActorID)
				if err != nil {
					return guard.RoutingOutput{}, fmt.Errorf("invalid actor_id in route table: %w", err)
				}
				target.ActorID = &id
			}
			targets = append(targets, target)
		}
		return guard.RoutingOutput{Route: &guard.RouteConfig{Targets: targets}}, nil
	}
	return guard.RoutingOutput{}, guard.ErrRouteNotFound
}
