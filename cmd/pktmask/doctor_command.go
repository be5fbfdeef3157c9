package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/pktmask/pktmask/internal/config"
)

// newDoctorCommand reports whether the environment can actually run a
// pktmask pipeline: the external TLS deep-parser binary, the config file (if
// given), and the runtime's arch/os — SPEC_FULL §11's "doctor" supplement,
// grounded on the teacher's pcap-fsnotify health-check style checks before
// handing capture files to an external process.
func newDoctorCommand() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "check the environment for common setup problems",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to pktmask.json"},
		},
		Action: doctorAction,
	}
}

func doctorAction(ctx context.Context, cmd *cli.Command) error {
	fmt.Printf("pktmask doctor (%s/%s)\n", runtime.GOOS, runtime.GOARCH)

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		fmt.Printf("[FAIL] config: %v\n", err)
		return err
	}
	fmt.Println("[ OK ] config loaded and validated")

	markerPath := cfg.MaskPayloads.Marker.Path
	if markerPath == "" {
		markerPath = "pktmask-tls-parser"
	}
	if resolved, err := exec.LookPath(markerPath); err != nil {
		fmt.Printf("[WARN] tls deep-parser %q not found on PATH: %v\n", markerPath, err)
		fmt.Println("       mask_payloads will fall back per its configured fallback policy")
	} else {
		fmt.Printf("[ OK ] tls deep-parser resolved: %s\n", resolved)
	}

	if cfg.AnonymizeIPs.Enabled && cfg.AnonymizeIPs.Method != "random" && cfg.AnonymizeIPs.Key == "" {
		fmt.Println("[FAIL] anonymize_ips.method requires a non-empty key")
	} else if cfg.AnonymizeIPs.Enabled {
		fmt.Println("[ OK ] anonymize_ips configuration is consistent")
	}

	fmt.Printf("[ OK ] scratch_dir=%s concurrency=%d\n", cfg.ScratchDir, cfg.Concurrency)
	return nil
}
