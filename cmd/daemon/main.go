// Package main provides a headless daemon for NithronSync.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nithronsync/sync-core/config"
	"nithronsync/sync-core/drive"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	Commit    = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		debugMode   = flag.Bool("debug", false, "Enable debug logging")
		serverURL   = flag.String("server", "", "Server URL (for initial setup of a new mount)")
		deviceToken = flag.String("token", "", "Device token (for initial setup of a new mount)")
		syncFolder  = flag.String("folder", "", "Local folder path (for initial setup of a new mount)")
		remoteRoot  = flag.String("remote", "cloudreve://my", "Remote root URI (for initial setup of a new mount)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("NithronSync Daemon v%s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", Commit)
		os.Exit(0)
	}

	logLevel := zerolog.InfoLevel
	if *debugMode {
		logLevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	logDir, err := config.GetLogDir()
	if err == nil {
		logFile, err := os.OpenFile(
			filepath.Join(logDir, "nithron-sync-daemon.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY,
			0644,
		)
		if err == nil {
			multi := zerolog.MultiLevelWriter(os.Stderr, logFile)
			log.Logger = zerolog.New(multi).With().Timestamp().Logger()
		}
	}

	process, err := config.LoadProcess()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load process configuration")
	}
	drives, err := config.LoadDrives()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load drives configuration")
	}

	if *serverURL != "" && *deviceToken != "" {
		log.Info().Msg("Setting up a mount from command line arguments...")

		folder := *syncFolder
		if folder == "" {
			base, err := config.GetDefaultSyncFolder()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to resolve default sync folder")
			}
			folder = base
		}

		mgr := newManager(process, drives, log.Logger)
		if err := mgr.AddMount(context.Background(), &config.MountConfig{
			ID:              filepath.Base(folder),
			ServerURL:       *serverURL,
			DeviceToken:     *deviceToken,
			LocalRoot:       folder,
			RemoteRoot:      *remoteRoot,
			ExcludePatterns: process.DefaultExcludePatterns,
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to add mount")
		}
		log.Info().Str("folder", folder).Msg("Mount added")
		runUntilShutdown(mgr)
		return
	}

	if len(drives.All()) == 0 {
		log.Error().Msg("NithronSync is not configured")
		log.Info().Msg("Run with --server, --token, and --folder to add a mount, or use the desktop app")
		os.Exit(1)
	}

	mgr := newManager(process, drives, log.Logger)
	if err := mgr.LoadAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load mounts")
	}
	runUntilShutdown(mgr)
}

func newManager(process *config.ProcessConfig, drives *config.DrivesFile, logger zerolog.Logger) *drive.Manager {
	dataDir, err := config.GetDataDir()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve data directory")
	}
	return drive.NewManager(process, drives, dataDir, logger)
}

func runUntilShutdown(mgr *drive.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.StartAll(ctx)
	log.Info().Int("mounts", len(mgr.Mounts())).Msg("NithronSync daemon started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal")
		cancel()
	}()

	<-ctx.Done()

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.StopAll(shutdownCtx)
	log.Info().Msg("Shutdown complete")
}
