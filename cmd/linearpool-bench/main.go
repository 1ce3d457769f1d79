// SPDX-License-Identifier: AGPL-3.0-only

// Command linearpool-bench drives configurable allocation workloads
// against arenas on concurrent workers. Each worker owns its arena
// (arenas are single-writer); the page pool and the usage tracker are
// shared across all of them.
package main

import (
	"flag"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/arenakit/linearpool/pkg/linearpool"
)

type Config struct {
	Workers          int
	Allocations      int
	ObjectSize       flagext.Bytes
	AverageAllocSize flagext.Bytes
	RewindRatio      float64
	WorkloadFile     string
	UsePagePool      bool
	LogLevel         dslog.Level
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, "bench.workers", 4, "Number of concurrent workers. Each worker drives its own arena.")
	f.IntVar(&cfg.Allocations, "bench.allocations", 1000000, "Number of allocations per worker.")
	_ = cfg.ObjectSize.Set("128")
	f.Var(&cfg.ObjectSize, "bench.object-size", "Size of each allocation.")
	_ = cfg.AverageAllocSize.Set("128")
	f.Var(&cfg.AverageAllocSize, "bench.average-alloc-size", "Average allocation size hint given to the arenas. 0 to use the default page size.")
	f.Float64Var(&cfg.RewindRatio, "bench.rewind-ratio", 0, "Fraction of allocations that are immediately rewound.")
	f.StringVar(&cfg.WorkloadFile, "workload.file", "", "YAML file with workload phases, overriding the single-phase flags.")
	f.BoolVar(&cfg.UsePagePool, "bench.use-page-pool", true, "Recycle page buffers through a shared page pool.")
	cfg.LogLevel.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.Workers <= 0 {
		return errors.New("the number of workers must be greater than 0")
	}
	if cfg.WorkloadFile == "" {
		if cfg.Allocations <= 0 {
			return errors.New("the number of allocations must be greater than 0")
		}
		if cfg.ObjectSize <= 0 {
			return errors.New("the object size must be greater than 0")
		}
	}
	if cfg.RewindRatio < 0 || cfg.RewindRatio > 1 {
		return errors.New("the rewind ratio must be between 0 and 1")
	}
	return nil
}

// Phase is one step of the workload. Every worker runs every phase, in
// order, on its own arena.
type Phase struct {
	Name        string  `yaml:"name"`
	Count       int     `yaml:"count"`
	Size        int     `yaml:"size"`
	RewindRatio float64 `yaml:"rewind_ratio"`
}

func loadWorkload(path string) ([]Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read workload file")
	}

	var phases []Phase
	if err := yaml.Unmarshal(data, &phases); err != nil {
		return nil, errors.Wrap(err, "parse workload file")
	}
	if len(phases) == 0 {
		return nil, errors.New("the workload file contains no phases")
	}
	for _, p := range phases {
		if p.Count <= 0 || p.Size <= 0 {
			return nil, errors.Errorf("invalid phase %q: count and size must be greater than 0", p.Name)
		}
	}
	return phases, nil
}

// phaseStats aggregates results of one phase across all workers.
type phaseStats struct {
	allocations atomic.Int64
	elapsedNs   atomic.Int64
}

func main() {
	cfg := &Config{}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := dslog.NewGoKitWithLevel(cfg.LogLevel, dslog.LogfmtFormat)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	phases := []Phase{{
		Name:        "default",
		Count:       cfg.Allocations,
		Size:        int(cfg.ObjectSize),
		RewindRatio: cfg.RewindRatio,
	}}
	if cfg.WorkloadFile != "" {
		var err error
		if phases, err = loadWorkload(cfg.WorkloadFile); err != nil {
			level.Error(logger).Log("msg", "unable to load workload", "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	tracker := linearpool.NewUsageTracker(logger, reg)

	var pool linearpool.Pool
	if cfg.UsePagePool {
		pool = linearpool.NewPagePool()
	}

	stats := make([]*phaseStats, len(phases))
	for i := range stats {
		stats[i] = &phaseStats{}
	}

	var reservedBytes, totalPages atomic.Int64

	level.Info(logger).Log("msg", "starting workload", "workers", cfg.Workers, "phases", len(phases))
	start := time.Now()

	g := errgroup.Group{}
	for w := 0; w < cfg.Workers; w++ {
		rnd := rand.New(rand.NewSource(int64(w)))

		g.Go(func() error {
			arena := linearpool.New(int(cfg.AverageAllocSize), pool, logger, tracker)
			defer arena.Release()

			for i, phase := range phases {
				if err := runPhase(arena, phase, rnd, stats[i]); err != nil {
					return errors.Wrapf(err, "phase %q", phase.Name)
				}
			}

			reservedBytes.Add(int64(arena.MemUsage()))
			totalPages.Add(int64(arena.NumPages()))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		level.Error(logger).Log("msg", "workload failed", "err", err)
		os.Exit(1)
	}

	for i, phase := range phases {
		s := stats[i]

		nsPerOp := int64(0)
		if allocs := s.allocations.Load(); allocs > 0 {
			nsPerOp = s.elapsedNs.Load() / allocs
		}

		level.Info(logger).Log(
			"msg", "phase completed",
			"phase", phase.Name,
			"allocations", s.allocations.Load(),
			"ns_per_op", nsPerOp,
		)
	}

	level.Info(logger).Log(
		"msg", "workload completed",
		"duration", time.Since(start),
		"pages", totalPages.Load(),
		"reserved", humanize.IBytes(uint64(reservedBytes.Load())),
		"reserved_after_release", humanize.IBytes(uint64(tracker.ReservedBytes())),
	)
}

func runPhase(arena *linearpool.Arena, phase Phase, rnd *rand.Rand, stats *phaseStats) error {
	if phase.Size > arena.MaxAllocSize() {
		return errors.Errorf("object size %d exceeds the arena's max allocation size %d", phase.Size, arena.MaxAllocSize())
	}

	start := time.Now()

	for n := 0; n < phase.Count; n++ {
		b := arena.Alloc(phase.Size)
		if b == nil {
			return errors.New("allocation unexpectedly failed")
		}

		// Touch the first byte so the allocation isn't optimized away.
		b[0] = byte(n)

		if phase.RewindRatio > 0 && rnd.Float64() < phase.RewindRatio {
			arena.RewindTo(b)
		}
	}

	stats.allocations.Add(int64(phase.Count))
	stats.elapsedNs.Add(time.Since(start).Nanoseconds())
	return nil
}
