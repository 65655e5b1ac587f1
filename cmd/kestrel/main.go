// Command kestrel boots the kernel against a root filesystem image and
// runs its init process to completion (or until interrupted). Flag
// parsing, debug-level switching, and the error-formatting convention
// below are grounded on the teacher's own cmd/cc entry point
// (_grounding/cmd_cc_main.go's run()/flag.Parse()/slog.SetDefault
// sequence), generalized from "launch a guest VM from an OCI image" to
// "boot this kernel against a disk image".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrelos/kestrel/internal/boot"
	"github.com/kestrelos/kestrel/internal/bootcfg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a YAML boot configuration overlay")
	disk := flag.String("disk", "", "Path to a disk image (overrides the boot configuration's disk_image_path)")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	initPath := flag.String("init", "/sbin/init", "Path (inside the root filesystem) of the PID 1 program to run")
	initArgs := flag.String("init-args", "", "Comma-separated extra argv entries passed to init")
	network := flag.Bool("network", false, "Enable the network stack")
	mac := flag.String("mac", "02:00:00:00:00:01", "MAC address for the network stack")
	addr := flag.String("ip", "10.0.2.15/24", "Guest IP address and prefix length (CIDR), e.g. 10.0.2.15/24")
	gateway := flag.String("gateway", "10.0.2.2", "Default gateway address")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot the kernel and run its init process.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dbg {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	logger := slog.Default()

	cfg, err := bootcfg.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading boot configuration: %w", err)
	}
	if *disk != "" {
		cfg.DiskImagePath = *disk
	}
	cfg.DebugLogging = cfg.DebugLogging || *dbg

	opts := boot.Options{
		Logger: logger,
		Layout: boot.DefaultLayout(),
		Config: cfg,
	}
	if *network {
		netOpts, err := parseNetOptions(*mac, *addr, *gateway)
		if err != nil {
			return fmt.Errorf("parsing network flags: %w", err)
		}
		opts.Net = netOpts
	}

	k, err := boot.New(opts)
	if err != nil {
		return fmt.Errorf("booting kernel: %w", err)
	}

	initArgv := append([]string{*initPath}, splitNonEmpty(*initArgs, ",")...)
	initEnvp := []string{"PATH=/usr/bin:/bin", "HOME=/root", "TERM=linux"}
	if err := k.Boot(*initPath, initArgv, initEnvp); err != nil {
		return fmt.Errorf("starting init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("kernel run loop: %w", err)
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func parseNetOptions(macStr, cidr, gatewayStr string) (*boot.NetOptions, error) {
	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ip: %w", err)
	}
	prefixLen, _ := ipNet.Mask.Size()
	gateway := net.ParseIP(gatewayStr)
	if gateway == nil {
		return nil, fmt.Errorf("gateway: invalid address %q", gatewayStr)
	}
	return &boot.NetOptions{MAC: mac, Addr: ip, PrefixLen: prefixLen, Gateway: gateway}, nil
}
