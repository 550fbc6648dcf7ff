package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/kaddht/pkg/api"
	"github.com/shadowmesh/kaddht/pkg/config"
	"github.com/shadowmesh/kaddht/pkg/dht"
	"github.com/shadowmesh/kaddht/pkg/logging"
	"github.com/shadowmesh/kaddht/pkg/persistence"
	"github.com/shadowmesh/kaddht/pkg/transport"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dht-node",
		Short: "Run or inspect a Kademlia DHT node",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/kaddht/node.yaml", "path to configuration file")

	rootCmd.AddCommand(
		newRunCmd(),
		newBootstrapCmd(),
		newDumpCmd(),
		newGenerateConfigCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newGenerateConfigCmd() *cobra.Command {
	var region string
	var outPath string
	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.GenerateDefaultConfig(region)
			if err := config.WriteConfigFile(cfg, outPath); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Printf("Generated default config: %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&region, "region", "north_america", "region tag for the generated config")
	cmd.Flags().StringVar(&outPath, "out", "node.yaml", "output path for the generated config")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node: serve inbound RPCs, refresh the table, expose the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := startNode(configPath)
			if err != nil {
				return err
			}
			defer node.Close()

			go func() {
				if err := node.api.Start(); err != nil && err != http.ErrServerClosed {
					node.log.Error("API server failed", logging.Fields{"error": err.Error()})
				}
			}()

			node.log.Info("dht node started", logging.Fields{
				"peer_id": string(node.localPeer), "listen_addr": node.cfg.Server.ListenAddr, "http_port": node.cfg.Server.HTTPPort,
			})

			if len(node.cfg.DHT.Seeds) > 0 {
				go bootstrapInBackground(node)
			}

			waitForShutdown(node)
			return nil
		},
	}
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap-only",
		Short: "Seed the routing table from configured seeds, report the result, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := startNode(configPath)
			if err != nil {
				return err
			}
			defer node.Close()

			if len(node.cfg.DHT.Seeds) == 0 {
				return fmt.Errorf("no seeds configured under dht.seeds")
			}

			bcfg := dht.DefaultBootstrapConfig(toPeerIDs(node.cfg.DHT.Seeds))
			ctx, cancel := context.WithTimeout(context.Background(), node.cfg.DHT.QueryDeadline*time.Duration(bcfg.MaxAttempts))
			defer cancel()

			if err := dht.RunBootstrap(ctx, node.ctrl, bcfg, node.log); err != nil {
				return fmt.Errorf("bootstrap failed: %w", err)
			}

			dump, err := node.ctrl.Dump(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("bootstrap complete: %d peers in routing table\n", len(dump.Entries))
			return nil
		},
	}
}

func newDumpCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Fetch the routing table snapshot from a running node's admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/api/table/dump", adminAddr))
			if err != nil {
				return fmt.Errorf("failed to reach admin API: %w", err)
			}
			defer resp.Body.Close()

			var dump dht.Dump
			if err := json.NewDecoder(resp.Body).Decode(&dump); err != nil {
				return fmt.Errorf("failed to decode dump response: %w", err)
			}

			encoded, _ := json.MarshalIndent(dump, "", "  ")
			fmt.Println(string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "localhost:8080", "host:port of a running node's admin HTTP API")
	return cmd
}

// node bundles the wired collaborators a running dht-node process owns.
type node struct {
	cfg       *config.Config
	localPeer dht.PeerID
	log       *logging.Logger
	postgres  *persistence.PostgresStore
	redis     *persistence.RedisCache
	loop      *dht.MainLoop
	ctrl      *dht.Controller
	host      *transport.QUICHost
	api       *api.APIServer
	gcCancel  context.CancelFunc
}

func startNode(configPath string) (*node, error) {
	log := logging.GetDefaultLogger()

	log.Info("loading configuration", logging.Fields{"path": configPath})
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("connecting to PostgreSQL", logging.Fields{})
	postgres, err := persistence.NewPostgresStore(persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	log.Info("connecting to Redis", logging.Fields{})
	redisCache, err := persistence.NewRedisCache(persistence.RedisCacheConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, postgres)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	localPeer := dht.PeerID(cfg.DHT.PeerID)
	dhtCfg := cfg.DHT.ToDHTConfig()

	log.Info("starting routing loop", logging.Fields{"peer_id": string(localPeer)})
	loop := dht.NewMainLoop(dhtCfg, localPeer, nil, redisCache, log)

	tlsConfig, err := transport.GenerateSelfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS config: %w", err)
	}

	host, err := transport.NewQUICHost(cfg.Server.ListenAddr, localPeer, tlsConfig, loop, log)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC host: %w", err)
	}
	loop.SetHost(host)

	go loop.Run()

	ctrl := dht.NewController(loop)
	apiServer := api.NewAPIServer(cfg.Server.HTTPPort, ctrl, log)

	gcCtx, gcCancel := context.WithCancel(context.Background())
	go persistence.RunGC(gcCtx, postgres, cfg.DHT.RefreshInterval, log)

	return &node{
		cfg: cfg, localPeer: localPeer, log: log,
		postgres: postgres, redis: redisCache,
		loop: loop, ctrl: ctrl, host: host, api: apiServer,
		gcCancel: gcCancel,
	}, nil
}

func bootstrapInBackground(n *node) {
	bcfg := dht.DefaultBootstrapConfig(toPeerIDs(n.cfg.DHT.Seeds))
	if err := dht.RunBootstrap(context.Background(), n.ctrl, bcfg, n.log); err != nil {
		n.log.Warn("startup bootstrap did not complete", logging.Fields{"error": err.Error()})
	}
}

func toPeerIDs(seeds []string) []dht.PeerID {
	out := make([]dht.PeerID, len(seeds))
	for i, s := range seeds {
		out[i] = dht.PeerID(s)
	}
	return out
}

func (n *node) Close() {
	n.gcCancel()
	n.loop.Stop()
	n.host.Close()
	n.api.Stop()
	n.redis.Close()
	n.postgres.Close()
}

func waitForShutdown(n *node) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	n.log.Info("received shutdown signal", logging.Fields{"signal": sig.String()})
	n.Close()
	n.log.Info("shutdown complete", logging.Fields{})
}
