package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/culapack/pkg/tuning"
)

type deviceEntry struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
}

func devicesCmd() *cli.Command {
	flags := append([]cli.Flag{}, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, outputFlags()...)

	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices of the configured driver",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, _, err := setup(ctx, cmd); err != nil {
				return err
			}
			drv, err := openDriver()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s driver: %v", driverName, err), 1)
			}
			n, err := drv.DeviceCount()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: count devices: %v", err), 1)
			}
			entries := make([]deviceEntry, 0, n)
			for ord := range n {
				name, err := drv.DeviceName(ord)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: device %d: %v", ord, err), 1)
				}
				entries = append(entries, deviceEntry{Ordinal: ord, Name: name})
			}
			if jsonOutput {
				return printJSON(map[string]any{"driver": drv.Name(), "devices": entries})
			}
			fmt.Printf("Driver: %s (%d devices)\n", drv.Name(), n)
			for _, e := range entries {
				fmt.Printf("  %-3d %s\n", e.Ordinal, e.Name)
			}
			return nil
		},
	}
}

func tuningCmd() *cli.Command {
	flags := append([]cli.Flag{}, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags, outputFlags()...)

	return &cli.Command{
		Name:  "tuning",
		Usage: "Print the block sizes in effect after applying the config file",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, cfg, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			set := tuning.Default().Merge(cfg.Tuning)
			if jsonOutput {
				return printJSON(set)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(set); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
