// Package main provides a CLI for NithronSync.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nithronsync/sync-core/api"
	"nithronsync/sync-core/config"
	"nithronsync/sync-core/inventory"
	"nithronsync/sync-core/pathmap"
)

var (
	Version = "1.0.0"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "status":
		cmdStatus()
	case "config":
		cmdConfig(args)
	case "drives":
		cmdDrives()
	case "add":
		cmdAdd(args)
	case "remove":
		cmdRemove(args)
	case "activity":
		cmdActivity(args)
	case "version":
		fmt.Printf("NithronSync CLI v%s\n", Version)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`NithronSync CLI

Usage: nithron-sync-cli <command> [arguments]

Commands:
  status              Show every configured mount and its connectivity
  config              Show or update process-wide configuration
  drives              List configured mounts
  add <id> <server> <token> <folder> [remote]   Add and enable a mount
  remove <id>         Remove a mount
  activity <id>       Show recent inventory activity for a mount
  version             Show version
  help                Show this help

Configuration:
  nithron-sync-cli config                       Show current config
  nithron-sync-cli config max_concurrent <n>     Set max concurrent transfers
  nithron-sync-cli config poll_interval_secs <n> Set poll interval

Examples:
  nithron-sync-cli add laptop https://nas.local nos_dt_... /home/me/NithronSync
  nithron-sync-cli status`)
}

func loadProcess() *config.ProcessConfig {
	cfg, err := config.LoadProcess()
	if err != nil {
		fmt.Printf("Error loading config: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadDrives() *config.DrivesFile {
	df, err := config.LoadDrives()
	if err != nil {
		fmt.Printf("Error loading drives: %s\n", err)
		os.Exit(1)
	}
	return df
}

func cmdStatus() {
	drives := loadDrives().All()
	if len(drives) == 0 {
		fmt.Println("NithronSync is not configured.")
		fmt.Println("Run 'nithron-sync-cli add <id> <server> <token> <folder>' to add a mount.")
		return
	}

	fmt.Println("NithronSync Status")
	fmt.Println("==================")
	for _, d := range drives {
		fmt.Printf("Mount:  %s\n", d.ID)
		fmt.Printf("Server: %s\n", d.ServerURL)
		fmt.Printf("Folder: %s\n", d.LocalRoot)
		fmt.Printf("Enabled: %t\n", d.Enabled)

		mapper, err := pathmap.New(d.LocalRoot, d.RemoteRoot)
		if err != nil {
			fmt.Printf("Server Status: ❌ %s\n", err)
			fmt.Println()
			continue
		}
		client := api.NewClient(d.AsAPIConfig(), mapper)
		if _, err := client.GetFileInfo(context.Background(), d.RemoteRoot); err != nil {
			fmt.Printf("Server Status: ❌ Unreachable (%s)\n", err)
		} else {
			fmt.Println("Server Status: ✅ Connected")
		}
		fmt.Println()
	}
}

func cmdConfig(args []string) {
	cfg := loadProcess()

	if len(args) == 0 {
		fmt.Println("Current Configuration")
		fmt.Println("=====================")
		fmt.Printf("Max Concurrent:   %d\n", cfg.MaxConcurrent)
		fmt.Printf("Bandwidth Limit:  %d KB/s\n", cfg.BandwidthLimitKBps)
		fmt.Printf("Poll Interval:    %d seconds\n", cfg.PollIntervalSecs)
		fmt.Printf("Retry Attempts:   %d\n", cfg.RetryAttempts)
		fmt.Printf("Retry Delay:      %d seconds\n", cfg.RetryDelaySecs)
		fmt.Printf("Debug Logging:    %t\n", cfg.DebugLogging)
		return
	}

	if len(args) < 2 {
		fmt.Println("Usage: nithron-sync-cli config <key> <value>")
		return
	}

	key, value := args[0], args[1]
	err := cfg.Update(func(c *config.ProcessConfig) {
		switch key {
		case "max_concurrent":
			fmt.Sscanf(value, "%d", &c.MaxConcurrent)
		case "bandwidth_limit_kbps":
			fmt.Sscanf(value, "%d", &c.BandwidthLimitKBps)
		case "poll_interval_secs":
			fmt.Sscanf(value, "%d", &c.PollIntervalSecs)
		case "debug_logging":
			c.DebugLogging = value == "true" || value == "1" || value == "yes"
		default:
			fmt.Printf("Unknown config key: %s\n", key)
			os.Exit(1)
		}
	})
	if err != nil {
		fmt.Printf("Error saving config: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config updated: %s = %s\n", key, value)
}

func cmdDrives() {
	drives := loadDrives().All()
	if len(drives) == 0 {
		fmt.Println("No mounts configured.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVER\tFOLDER\tENABLED")
	fmt.Fprintln(w, "--\t------\t------\t-------")
	for _, d := range drives {
		enabled := "No"
		if d.Enabled {
			enabled = "Yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.ServerURL, d.LocalRoot, enabled)
	}
	w.Flush()
}

func cmdAdd(args []string) {
	if len(args) < 4 {
		fmt.Println("Usage: nithron-sync-cli add <id> <server> <token> <folder> [remote]")
		os.Exit(1)
	}
	id, server, token, folder := args[0], args[1], args[2], args[3]
	remote := "cloudreve://my"
	if len(args) >= 5 {
		remote = args[4]
	}

	if err := os.MkdirAll(folder, 0755); err != nil {
		fmt.Printf("Error creating folder: %s\n", err)
		os.Exit(1)
	}

	drives := loadDrives()
	if err := drives.Add(&config.MountConfig{
		ID:          id,
		ServerURL:   server,
		DeviceToken: token,
		LocalRoot:   filepath.Clean(folder),
		RemoteRoot:  remote,
		Enabled:     true,
	}); err != nil {
		fmt.Printf("Error saving mount: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Mount %q added. Restart the daemon to pick it up.\n", id)
}

func cmdRemove(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: nithron-sync-cli remove <id>")
		os.Exit(1)
	}
	drives := loadDrives()
	if err := drives.Remove(args[0]); err != nil {
		fmt.Printf("Error removing mount: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("Mount %q removed.\n", args[0])
}

func cmdActivity(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: nithron-sync-cli activity <id>")
		os.Exit(1)
	}
	id := args[0]

	dataDir, err := config.GetDataDir()
	if err != nil {
		fmt.Printf("Error resolving data directory: %s\n", err)
		os.Exit(1)
	}
	store, err := inventory.Open(filepath.Join(dataDir, id, "inventory.db"))
	if err != nil {
		fmt.Printf("Error opening inventory: %s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	entries, err := store.QueryByMount(id)
	if err != nil {
		fmt.Printf("Error querying inventory: %s\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No recent activity.")
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].UpdatedAt.After(entries[j].UpdatedAt) })
	if len(entries) > 20 {
		entries = entries[:20]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPATH\tSIZE\tCONFLICT")
	fmt.Fprintln(w, "----\t----\t----\t--------")
	for _, e := range entries {
		conflict := string(e.Conflict)
		if conflict == "" {
			conflict = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.UpdatedAt.Format("15:04:05"), e.LocalPath, e.Size, conflict)
	}
	w.Flush()
}
