package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/pktmask/pktmask/internal/anonymize"
	"github.com/pktmask/pktmask/internal/config"
	"github.com/pktmask/pktmask/internal/pipeline"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "process a single capture file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to pktmask.json"},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "input capture path", Required: true},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output capture path", Required: true},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	input := cmd.String("input")
	output := cmd.String("output")
	if input == "" || output == "" {
		return errors.New("--input and --output are required")
	}

	var ipMap *anonymize.IpMap
	if cfg.AnonymizeIPs.Enabled {
		ipMap = anonymize.NewIpMap(cfg.AnonymizeIPs.AnonymizeMethod(), cfg.AnonymizeIPs.IPv4Prefix, cfg.AnonymizeIPs.IPv6Prefix, []byte(cfg.AnonymizeIPs.Key))
		if err := anonymize.PreScan([]string{input}, ipMap); err != nil {
			return err
		}
	}

	factory := buildStageFactory(cfg, ipMap)
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = ".pktmask-scratch"
	}

	exec := pipeline.NewExecutor(scratch, factory(input))
	result, err := exec.Run(ctx, input, output)
	if err != nil {
		return err
	}
	for _, st := range result.Stages {
		fmt.Printf("%s: seen=%d modified=%d dropped=%d\n", st.Stage, st.PacketsSeen, st.PacketsModified, st.PacketsDropped)
	}
	return nil
}
