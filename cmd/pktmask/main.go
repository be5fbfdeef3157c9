// Command pktmask sanitises PCAP/PCAPNG captures: deduplication, IP
// anonymisation, and TLS payload masking, run as an ordered per-file
// pipeline (spec §1 Overview). Its CLI shape mirrors the teacher's
// pcap-config CLI: a urfave/cli/v3 root command with subcommands, built by
// an internal/cli-style constructor, wired to a pterm progress renderer.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/pktmask/pktmask/internal/telemetry"
)

func main() {
	defer telemetry.Sync()

	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "pktmask",
		Usage: "sanitise PCAP/PCAPNG captures: dedup, IP anonymisation, TLS payload masking",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			telemetry.SetDebug(cmd.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newBatchCommand(),
			newDoctorCommand(),
		},
	}
}
