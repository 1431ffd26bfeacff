// Command pcswarm seeds or leeches a single torrent: it parses the
// torrent file, constructs the swarm coordinator, and runs it until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pcswarm/pcswarm/internal/metainfo"
	"github.com/pcswarm/pcswarm/internal/swarm"
	"github.com/pcswarm/pcswarm/pkg/config"
	"github.com/pcswarm/pcswarm/pkg/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pcswarm", flag.ContinueOnError)

	torrentPath := fs.String("torrent", "", "path to a .torrent file (required)")
	outputDir := fs.String("output", "", "directory content is read from / written to (default: OS download dir)")
	listenPort := fs.Uint("port", 6881, "TCP port to listen on for incoming peer connections")
	roleFlag := fs.String("role", "leecher", "role to start in: \"leecher\" or \"seeder\"")
	maxUpload := fs.Int64("max-upload", 0, "informative upload rate cap in bytes/second (0 = unlimited, not enforced)")
	maxDownload := fs.Int64("max-download", 0, "informative download rate cap in bytes/second (0 = unlimited, not enforced)")
	verbose := fs.Bool("verbose", false, "enable debug-level logging")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "pcswarm: -torrent is required")
		fs.Usage()
		return 2
	}

	var role swarm.Role
	switch *roleFlag {
	case "leecher":
		role = swarm.RoleLeecher
	case "seeder":
		role = swarm.RoleSeeder
	default:
		fmt.Fprintf(os.Stderr, "pcswarm: invalid -role %q (want leecher or seeder)\n", *roleFlag)
		return 2
	}

	config.Init()
	config.Update(func(c *config.Config) {
		c.ListenPort = uint16(*listenPort)
		c.MaxUploadRate = *maxUpload
		c.MaxDownloadRate = *maxDownload
		c.Verbose = *verbose
		if *outputDir != "" {
			c.DownloadDir = *outputDir
		}
	})

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = level
	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))

	if err := start(torrentPath, role); err != nil {
		slog.Error("startup failed", "error", err.Error())
		return 1
	}
	return 0
}

func start(torrentPath *string, role swarm.Role) error {
	data, err := os.ReadFile(*torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	m, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	baseDir := config.Load().DownloadDir
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	coord, err := swarm.NewCoordinator(swarm.Opts{
		Metainfo:   m,
		BaseDir:    baseDir,
		ListenPort: config.Load().ListenPort,
		Role:       role,
	})
	if err != nil {
		return fmt.Errorf("construct coordinator: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting",
		"name", m.Info.Name,
		"pieces", m.PieceCount(),
		"size", m.Size(),
		"role", role.String(),
		"output", baseDir)

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
