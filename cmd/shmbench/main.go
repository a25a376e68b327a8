// Command shmbench drives repeated queries against a published dataset
// through pkg/datafacade and reports latency statistics, the way tk-bench
// drives repeated CLI invocations and reports hyperfine statistics - here
// there is no separate binary to exec, so shmbench calls the Facade
// in-process instead.
package main

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/pflag"

	"github.com/meridian-routing/shmds/internal/config"
	"github.com/meridian-routing/shmds/pkg/datafacade"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("shmbench", pflag.ContinueOnError)

	var (
		baseDir    = flags.String("base-dir", "", "directory named regions are rooted at (overrides config)")
		configPath = flags.String("config", "", "path to an explicit JSONC config file")
		warmup     = flags.Int("warmup", 100, "number of untimed warmup queries")
		queries    = flags.Int("queries", 10000, "number of timed queries to run")
		concurrent = flags.Int("concurrency", runtime.GOMAXPROCS(0), "number of goroutines issuing queries concurrently")
	)

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: determining working directory: %v\n", err)
		return 1
	}

	cfg, _, err := config.Load(workDir, *configPath, config.Config{BaseDir: *baseDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: loading config: %v\n", err)
		return 1
	}

	f, err := datafacade.Open(cfg.BaseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: opening facade: %v\n", err)
		return 1
	}
	defer f.Close() //nolint:errcheck // best-effort on exit

	for i := 0; i < *warmup; i++ {
		if err := runOneQuery(f); err != nil {
			fmt.Fprintf(os.Stderr, "shmbench: warmup query failed: %v\n", err)
			return 2
		}
	}

	durations, err := benchConcurrent(f, *queries, *concurrent)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmbench: %v\n", err)
		return 2
	}

	report(os.Stdout, durations)

	return 0
}

// runOneQuery exercises a representative read path: begin a query, walk the
// coordinate and name-resolution blocks for the first few nodes, end it.
func runOneQuery(f *datafacade.Facade) error {
	q, err := f.BeginQuery()
	if err != nil {
		return err
	}
	defer q.End() //nolint:errcheck // reported by the query loop's own errors, not worth a second path here

	coords, err := q.Coordinates()
	if err != nil {
		return err
	}

	edges, err := q.GraphEdges()
	if err != nil {
		return err
	}

	nameIDs, err := q.NameIDs()
	if err != nil {
		return err
	}

	lookups := len(nameIDs)
	if lookups > 8 {
		lookups = 8
	}

	for i := 0; i < lookups; i++ {
		if _, err := q.Name(nameIDs[i]); err != nil {
			return err
		}
	}

	_ = coords
	_ = edges

	return nil
}

func benchConcurrent(f *datafacade.Facade, total, workers int) ([]time.Duration, error) {
	if workers < 1 {
		workers = 1
	}

	type result struct {
		d   time.Duration
		err error
	}

	jobs := make(chan struct{}, total)
	for i := 0; i < total; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	results := make(chan result, total)

	for w := 0; w < workers; w++ {
		go func() {
			for range jobs {
				start := time.Now()
				err := runOneQuery(f)
				results <- result{d: time.Since(start), err: err}
			}
		}()
	}

	durations := make([]time.Duration, 0, total)

	for i := 0; i < total; i++ {
		r := <-results
		if r.err != nil {
			return nil, r.err
		}

		durations = append(durations, r.d)
	}

	return durations, nil
}

func report(w *os.File, durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	n := len(durations)
	if n == 0 {
		fmt.Fprintln(w, "no queries ran")
		return
	}

	mean := total / time.Duration(n)
	p50 := durations[n*50/100]
	p99 := durations[minInt(n*99/100, n-1)]

	fmt.Fprintf(w, "queries: %d\n", n)
	fmt.Fprintf(w, "mean:    %s\n", mean)
	fmt.Fprintf(w, "p50:     %s\n", p50)
	fmt.Fprintf(w, "p99:     %s\n", p99)
	fmt.Fprintf(w, "min:     %s\n", durations[0])
	fmt.Fprintf(w, "max:     %s\n", durations[n-1])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
