package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/culapack/internal/harness"
	"github.com/samcharles93/culapack/internal/logger"
)

func runCmd() *cli.Command {
	var jf jobFlags

	flags := append([]cli.Flag{}, jf.flags(true)...)
	flags = append(flags, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, outputFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one routine and check it against the reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, cfg, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			log := logger.FromContext(ctx)

			job, err := jf.job().Normalize()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			s, err := openSession(ctx, cfg, job.Backend == harness.MultiGPU)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn("close session", "error", err)
				}
			}()

			log.ForRoutine(job.Precision+job.Routine).Info("running", "backend", job.Backend, "n", job.N)
			res, err := s.engine.Run(ctx, job)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: run %s: %v", job.Routine, err), 1)
			}
			if err := printResult(res); err != nil {
				return err
			}
			if !res.Passed {
				return cli.Exit(fmt.Sprintf("error: %s did not match the reference", job.Routine), 1)
			}
			return nil
		},
	}
}

func printResult(res harness.Result) error {
	if jsonOutput {
		return printJSON(res)
	}
	job := res.Job
	status := "PASSED"
	if !res.Passed {
		status = "FAILED"
	}
	fmt.Printf("Routine:   %s%s\n", job.Precision, job.Routine)
	fmt.Printf("Backend:   %s\n", job.Backend)
	fmt.Printf("Size:      m=%d n=%d k=%d\n", job.M, job.N, job.K)
	fmt.Printf("Info:      %d\n", res.Info)
	fmt.Printf("Residual:  %.3g (tolerance %g, oracle %s)\n", res.Residual, res.Tolerance, res.Oracle)
	fmt.Printf("Best:      %s over %d runs\n", res.Best().Round(time.Microsecond), len(res.Durations))
	fmt.Printf("GFLOP/s:   %.2f\n", res.GFlops)
	fmt.Printf("Status:    %s\n", status)
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = os.Stdout.Write(b)
	return err
}
