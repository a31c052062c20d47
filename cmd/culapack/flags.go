package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/culapack/internal/harness"
)

var (
	configFile string
	driverName string
	simDevices int64
	deviceList string
	imageDir   string
	logLevel   string
	logFormat  string
	debug      bool
	jsonOutput bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "driver",
			Usage:       "device driver (sim, cuda)",
			Value:       "sim",
			Destination: &driverName,
		},
		&cli.Int64Flag{
			Name:        "sim-devices",
			Usage:       "number of simulated devices",
			Value:       2,
			Destination: &simDevices,
		},
		&cli.StringFlag{
			Name:        "devices",
			Usage:       "comma separated device ordinals for multigpu runs (default: all)",
			Destination: &deviceList,
		},
		&cli.StringFlag{
			Name:        "image-dir",
			Usage:       "directory holding the compiled kernel images (cuda driver)",
			Destination: &imageDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print results as JSON",
			Destination: &jsonOutput,
		},
	}
}

// jobFlags binds the fields of a harness.Job shared by run and bench.
type jobFlags struct {
	routine, precision, backend      string
	uplo, transA, transB, side, diag string
	m, n, k, seed, runs              int64
}

func (f *jobFlags) flags(withSizes bool) []cli.Flag {
	out := []cli.Flag{
		&cli.StringFlag{
			Name:        "routine",
			Aliases:     []string{"r"},
			Usage:       "gemm, herk, trsm, trmm, potrf, trtri, lauum, potri or logdet",
			Required:    true,
			Destination: &f.routine,
		},
		&cli.StringFlag{
			Name:        "precision",
			Aliases:     []string{"p"},
			Usage:       "s, d, c or z",
			Value:       "d",
			Destination: &f.precision,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "execution backend (cpu, gpu, multigpu)",
			Value:       harness.CPU,
			Destination: &f.backend,
		},
		&cli.StringFlag{Name: "uplo", Usage: "U or L", Destination: &f.uplo},
		&cli.StringFlag{Name: "trans-a", Usage: "N, T or C", Destination: &f.transA},
		&cli.StringFlag{Name: "trans-b", Usage: "N, T or C", Destination: &f.transB},
		&cli.StringFlag{Name: "side", Usage: "L or R", Destination: &f.side},
		&cli.StringFlag{Name: "diag", Usage: "N or U", Destination: &f.diag},
		&cli.Int64Flag{Name: "seed", Usage: "operand generator seed", Destination: &f.seed},
		&cli.Int64Flag{Name: "runs", Usage: "timed runs", Value: 1, Destination: &f.runs},
	}
	if withSizes {
		out = append(out,
			&cli.Int64Flag{Name: "m", Usage: "rows of the output (default n)", Destination: &f.m},
			&cli.Int64Flag{Name: "n", Aliases: []string{"size"}, Usage: "order or columns", Value: 512, Destination: &f.n},
			&cli.Int64Flag{Name: "k", Usage: "inner dimension (default n)", Destination: &f.k},
		)
	}
	return out
}

func (f *jobFlags) job() harness.Job {
	return harness.Job{
		Routine:   strings.ToLower(f.routine),
		Precision: strings.ToLower(f.precision),
		Backend:   strings.ToLower(f.backend),
		M:         int(f.m),
		N:         int(f.n),
		K:         int(f.k),
		Uplo:      f.uplo,
		TransA:    f.transA,
		TransB:    f.transB,
		Side:      f.side,
		Diag:      f.diag,
		Seed:      uint64(f.seed),
		Runs:      int(f.runs),
	}
}

// parseInts reads a comma separated list of non-negative integers.
func parseInts(s string) ([]int, error) {
	var out []int
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid value %q", field)
		}
		out = append(out, v)
	}
	return out, nil
}
