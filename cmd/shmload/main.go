// Command shmload is the Loader: a one-shot CLI that parses a dataset's
// source input files and publishes them into shared memory for a query
// server's Reader Facade to pick up.
//
// Exit codes: 0 on success, 1 on invalid usage, 2 on a load failure (bad
// source files, barrier/region errors).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/meridian-routing/shmds/internal/config"
	"github.com/meridian-routing/shmds/internal/shmlog"
	"github.com/meridian-routing/shmds/pkg/loader"
	"github.com/meridian-routing/shmds/pkg/sourcereader"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("shmload", pflag.ContinueOnError)

	var (
		baseDir       = flags.String("base-dir", "", "directory named regions are rooted at (overrides config)")
		configPath    = flags.String("config", "", "path to an explicit JSONC config file")
		hsgrPath      = flags.String("hsgr", "", "path to the graph-topology (.hsgr) file")
		nodesPath     = flags.String("nodes", "", "path to the coordinate (.nodes) file")
		namesPath     = flags.String("names", "", "path to the name-dictionary (.names) file")
		geometryPath  = flags.String("geometry", "", "path to the geometries file")
		timestampPath = flags.String("timestamp", "", "path to the timestamp file")
		rtreePath     = flags.String("rtree", "", "path to the r-tree node (.ramIndex) file")
		rtreeLeafPath = flags.String("rtree-leaf", "", "path stored verbatim as the r-tree leaf file location")
		corePath      = flags.String("core", "", "optional path to a core-node bitset file")
		restrictPath  = flags.String("restrictions", "", "optional path to a turn-restriction via-node file")
	)

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	required := map[string]string{
		"--hsgr":       *hsgrPath,
		"--nodes":      *nodesPath,
		"--names":      *namesPath,
		"--geometry":   *geometryPath,
		"--timestamp":  *timestampPath,
		"--rtree":      *rtreePath,
		"--rtree-leaf": *rtreeLeafPath,
	}

	for name, val := range required {
		if val == "" {
			fmt.Fprintf(os.Stderr, "shmload: %s is required\n", name)
			return 1
		}
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmload: determining working directory: %v\n", err)
		return 1
	}

	cfg, _, err := config.Load(workDir, *configPath, config.Config{BaseDir: *baseDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmload: loading config: %v\n", err)
		return 1
	}

	log, err := shmlog.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmload: setting up logging: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck // best-effort flush on exit

	paths := sourcereader.SourcePaths{
		HSGRPath:          *hsgrPath,
		NodesPath:         *nodesPath,
		NamesPath:         *namesPath,
		GeometryPath:      *geometryPath,
		TimestampPath:     *timestampPath,
		RTreeNodesPath:    *rtreePath,
		RTreeLeafFilePath: *rtreeLeafPath,
		CoreMarkerPath:    *corePath,
		RestrictionsPath:  *restrictPath,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	log.Infow("publishing dataset", "base_dir", cfg.BaseDir)

	l := loader.New(cfg.BaseDir)

	result, err := l.Publish(ctx, paths)
	if err != nil {
		log.Errorw("publish failed", "error", err)
		return 2
	}

	log.Infow("publish complete",
		"slot", result.Slot.String(),
		"timestamp", result.Timestamp,
		"duration", time.Since(start).String(),
	)

	return 0
}
