package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"slotkv/internal/admin"
	"slotkv/internal/logging"
	"slotkv/internal/node"
)

const (
	defaultClientPort  = 5000
	defaultClusterPort = 15000
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logging.Init()

	var (
		name          = flag.String("name", envOr("SLOTKV_NAME", ""), "Name of the node")
		ip            = flag.String("ip", envOr("SLOTKV_IP", ""), "IP of the node")
		clientPort    = flag.Int("client_port", envIntOr("SLOTKV_CLIENT_PORT", defaultClientPort), "Port for the client channel")
		clusterPort   = flag.Int("cluster_port", envIntOr("SLOTKV_CLUSTER_PORT", defaultClusterPort), "Port for the cluster channel")
		serveAllSlots = flag.Bool("serve_all_slots", false, "Serve all slots (used for the first node of a cluster)")
		adminPort     = flag.Int("admin_port", envIntOr("SLOTKV_ADMIN_PORT", 0), "Port for the HTTP admin surface (0 = disabled)")
		maxStorageMB  = flag.Int("max_storage_mb", envIntOr("SLOTKV_MAX_STORAGE_MB", 0), "Store capacity in MB (0 = unlimited)")
		configPath    = flag.String("config", "", "Optional config file with <option_name>=<option_value> lines")
	)
	flag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Could not apply config file: %v\n", err)
			os.Exit(1)
		}
	}

	if *name == "" {
		fmt.Fprintln(os.Stderr, "No name was set.")
		flag.Usage()
		os.Exit(1)
	}
	if *ip == "" {
		fmt.Fprintln(os.Stderr, "No ip was set.")
		flag.Usage()
		os.Exit(1)
	}

	logging.Info("node name: %s", *name)
	logging.Info("node ip: %s", *ip)
	logging.Info("client port: %d, cluster port: %d", *clientPort, *clusterPort)
	logging.Info("serve all slots: %v", *serveAllSlots)

	n := node.New(node.Config{
		Name:            *name,
		IP:              *ip,
		ClientPort:      uint16(*clientPort),
		ClusterPort:     uint16(*clusterPort),
		ServeAllSlots:   *serveAllSlots,
		MaxStorageBytes: int64(*maxStorageMB) * 1024 * 1024,
	})
	metrics := n.EnableMetrics()

	if err := n.Start(); err != nil {
		logging.Error("start: %v", err)
		os.Exit(1)
	}

	if *adminPort != 0 {
		adminServer := admin.NewServer(n, metrics)
		go func() {
			logging.Info("admin surface on :%d", *adminPort)
			if err := adminServer.ListenAndServe(uint16(*adminPort)); err != nil {
				logging.Error("admin server: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	n.Stop()
}

// applyConfigFile merges <option_name>=<option_value> lines under the
// flags already set on the command line.
func applyConfigFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("malformed line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if set[name] {
			continue // command line wins
		}
		if err := flag.Set(name, value); err != nil {
			return fmt.Errorf("option %q: %w", name, err)
		}
	}
	return scanner.Err()
}
