package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/culapack/internal/harness"
	"github.com/samcharles93/culapack/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		jf         jobFlags
		sizes      string
		warmupRuns int64
	)

	flags := append([]cli.Flag{}, jf.flags(false)...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "sizes",
			Usage:       "comma separated problem orders",
			Value:       "256,512,1024,2048",
			Destination: &sizes,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs per size",
			Value:       1,
			Destination: &warmupRuns,
		},
	)
	flags = append(flags, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, outputFlags()...)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Time one routine over a range of square sizes",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			orders, err := parseInts(sizes)
			if err != nil || len(orders) == 0 {
				return cli.Exit(fmt.Sprintf("error: sizes: %v", err), 1)
			}
			if !cmd.IsSet("runs") {
				jf.runs = 3
			}
			base := jf.job()
			s, err := openSession(ctx, cfg, base.Backend == harness.MultiGPU)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = s.Close() }()

			if !jsonOutput {
				fmt.Println("=== culapack bench ===")
				fmt.Printf("Routine:  %s%s\n", base.Precision, base.Routine)
				fmt.Printf("Backend:  %s (%s driver)\n", base.Backend, s.drv.Name())
				fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
				fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
				fmt.Printf("Warmup:   %d runs\n", warmupRuns)
				fmt.Printf("Runs:     %d\n", jf.runs)
				fmt.Println()
				fmt.Printf("%-8s %12s %12s %10s %8s\n", "N", "Best", "Mean", "GFLOP/s", "Check")
			}

			results := make([]harness.Result, 0, len(orders))
			for _, n := range orders {
				job := base
				job.N = n
				if warmupRuns > 0 {
					w := job
					w.Runs = int(warmupRuns)
					log.Debug("warmup", "n", n, "runs", w.Runs)
					if _, err := s.engine.Run(ctx, w); err != nil {
						return cli.Exit(fmt.Sprintf("error: warmup n=%d: %v", n, err), 1)
					}
				}
				log.Info("benchmark", "n", n)
				res, err := s.engine.Run(ctx, job)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: n=%d: %v", n, err), 1)
				}
				results = append(results, res)
				if jsonOutput {
					continue
				}
				check := "ok"
				if !res.Passed {
					check = "FAIL"
				}
				fmt.Printf("%-8d %12s %12s %10.2f %8s\n", n,
					res.Best().Round(time.Microsecond), mean(res.Durations).Round(time.Microsecond), res.GFlops, check)
			}
			if jsonOutput {
				return printJSON(results)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func mean(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return sum / time.Duration(len(d))
}
