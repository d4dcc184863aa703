// ZombieMesh Node
// Main entry point for the mesh alarm node service
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zombiemesh/zombiemesh/internal/audit"
	"github.com/zombiemesh/zombiemesh/internal/config"
	"github.com/zombiemesh/zombiemesh/internal/gateway"
	"github.com/zombiemesh/zombiemesh/internal/httpapi"
	"github.com/zombiemesh/zombiemesh/internal/identity"
	"github.com/zombiemesh/zombiemesh/internal/mesh"
	"github.com/zombiemesh/zombiemesh/internal/metrics"
	"github.com/zombiemesh/zombiemesh/internal/router"
)

// Config represents the configuration file structure
type Config struct {
	Node struct {
		IsGateway bool     `yaml:"is_gateway"`
		IsRouter  bool     `yaml:"is_router"`
		TrustKey  string   `yaml:"trust_key"`
		Webhooks  []string `yaml:"webhooks"`
	} `yaml:"node"`

	Mesh struct {
		SelfAddr       string   `yaml:"self_addr"`
		ListenEndpoint string   `yaml:"listen_endpoint"`
		Peers          []string `yaml:"peers"`
		HelloInterval  int      `yaml:"hello_interval"`
		NeighborTTL    int      `yaml:"neighbor_ttl"`
	} `yaml:"mesh"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	Datastore struct {
		Path string `yaml:"path"`
	} `yaml:"datastore"`

	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`

	Timing struct {
		TickInterval int `yaml:"tick_interval"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "zombienode",
		Short: "ZombieMesh Node",
		Long:  "Battery-friendly LoRa-mesh alarm node. Signs and disseminates Zombiegrams across the mesh and optionally bridges them to HTTP webhooks.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the mesh node service",
		RunE:  runNode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ZombieMesh Node v0.1.0")
		},
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random trust key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/zombiemesh/node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// deviceGroup is the config-store group every runtime node setting
// persists under.
const deviceGroup = "device"

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Mesh.SelfAddr == "" {
		return fmt.Errorf("mesh.self_addr is required")
	}
	if cfg.Mesh.ListenEndpoint == "" {
		return fmt.Errorf("mesh.listen_endpoint is required")
	}

	datastorePath := cfg.Datastore.Path
	if datastorePath == "" {
		datastorePath = "datastore"
	}

	store := config.Open(datastorePath)
	if err := store.Load(deviceGroup); err != nil {
		return fmt.Errorf("failed to load device config: %w", err)
	}
	seedStore(store, cfg)

	sourceID, err := identity.Bootstrap(store)
	if err != nil {
		return fmt.Errorf("failed to bootstrap device identity: %w", err)
	}

	nodeCfg := config.NewNodeConfig(store, deviceGroup)

	meshCfg := mesh.DefaultConfig()
	meshCfg.SelfAddr = cfg.Mesh.SelfAddr
	meshCfg.ListenEndpoint = cfg.Mesh.ListenEndpoint
	meshCfg.Peers = cfg.Mesh.Peers
	if cfg.Mesh.HelloInterval > 0 {
		meshCfg.HelloInterval = secondsToDuration(cfg.Mesh.HelloInterval)
	}
	if cfg.Mesh.NeighborTTL > 0 {
		meshCfg.NeighborTTL = secondsToDuration(cfg.Mesh.NeighborTTL)
	}
	m := mesh.New(meshCfg)

	metrics.Init()

	var bridge router.Bridge
	var auditLog *audit.Log
	if nodeCfg.IsGateway() {
		var opts []gateway.Option
		if cfg.Audit.Path != "" {
			auditLog, err = audit.Open(cfg.Audit.Path)
			if err != nil {
				return fmt.Errorf("failed to open audit log: %w", err)
			}
			defer auditLog.Close()
			opts = append(opts, gateway.WithAuditor(auditLog))
		}
		bridge = gateway.New(nodeCfg, opts...)
	}

	rtOpts := router.Options{
		DeviceSourceID: sourceID,
		InitialSeqNum:  storedSeqNum(store),
		Config:         nodeCfg,
		Mesh:           m,
		Bridge:         bridge,
	}
	if cfg.Timing.TickInterval > 0 {
		rtOpts.TickInterval = secondsToDuration(cfg.Timing.TickInterval)
	}
	rt := router.New(rtOpts)

	metrics.RegisterPressureGauges(rt.RetransmissionPending, rt.QueueDepth)

	if cfg.HTTP.Listen != "" {
		api := httpapi.NewServer(rt)
		go func() {
			log.Printf("http api listening on %s", cfg.HTTP.Listen)
			if err := http.ListenAndServe(cfg.HTTP.Listen, api.Routes()); err != nil {
				log.Printf("http api stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting ZombieMesh node, source_id %08x", sourceID)
	if err := rt.Start(); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := rt.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	// Persist the sequence counter so a reboot does not replay seq_nums
	// still inside neighbors' dedup windows.
	store.Set(deviceGroup, "lora_seq_num", float64(rt.NextSeq()), true, true)
	if err := store.Save(deviceGroup); err != nil {
		log.Printf("Error persisting device config: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

// seedStore applies the static YAML settings into the keyed store. The
// role flags device_is_gateway and device_is_router always take the YAML
// value, false included. The trust key and webhooks override persisted
// values only when the YAML names them; otherwise they keep whatever Load
// restored.
func seedStore(store *config.Store, cfg *Config) {
	store.Set(deviceGroup, "device_is_gateway", cfg.Node.IsGateway, true, true)
	store.Set(deviceGroup, "device_is_router", cfg.Node.IsRouter, true, true)
	if cfg.Node.TrustKey != "" {
		store.Set(deviceGroup, "device_trust_key", cfg.Node.TrustKey, true, true)
	}
	for i, url := range cfg.Node.Webhooks {
		if i >= 3 {
			log.Printf("ignoring webhook %q: at most 3 webhooks supported", url)
			break
		}
		store.Set(deviceGroup, fmt.Sprintf("gateway_webhook_%d", i+1), url, true, true)
	}
	store.Set(deviceGroup, "lora_tampered_flag", false, true, false)
	store.Set(deviceGroup, "lora_maintenance_flag", false, true, false)
}

func storedSeqNum(store *config.Store) uint8 {
	v := store.Get("lora_seq_num", nil)
	if n, ok := v.(float64); ok {
		return uint8(n)
	}
	return 0
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
