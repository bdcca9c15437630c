package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/assetlens/portal/internal/bootstrap"
)

// openDeviceStore connects to the Redis instance the portal keeps device state in.
// In-process device state lives inside the portal and cannot be reached from here.
func openDeviceStore(cmdCtx *commandContext) (bootstrap.DeviceStore, func(), error) {
	if !cmdCtx.Config.Redis.Enabled {
		return nil, nil, errors.New("reset-device needs REDIS_ENABLED=true; in-process device state resets when the portal restarts")
	}
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	client, err := bootstrap.ConnectRedis(ctx, bootstrap.DatabaseConfig{RedisConfig: cmdCtx.Config.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	stores := bootstrap.NewStores(bootstrap.StoresConfig{Redis: client, Logger: cmdCtx.Logger})
	return stores.Devices, func() { _ = client.Close() }, nil
}

type resetDeviceOptions struct {
	DeviceID string
	DryRun   bool
	Yes      bool
}

func parseResetDeviceFlags(args []string) (resetDeviceOptions, error) {
	fs := flag.NewFlagSet("reset-device", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts resetDeviceOptions
	fs.StringVar(&opts.DeviceID, "device-id", "", "Device id from the device_id cookie (required)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Print actions without executing")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return resetDeviceOptions{}, err
	}
	opts.DeviceID = strings.TrimSpace(opts.DeviceID)
	if opts.DeviceID == "" {
		return resetDeviceOptions{}, errors.New("--device-id is required")
	}
	return opts, nil
}

func runResetDevice(cmdCtx *commandContext, args []string) error {
	opts, err := parseResetDeviceFlags(args)
	if err != nil {
		return err
	}
	if opts.DryRun {
		return writef(cmdCtx.Out, "Would reset guard state for device %s\n", opts.DeviceID)
	}
	if err := confirmAction(os.Stdin, cmdCtx.Out, opts.Yes, "reset guard state for device "+opts.DeviceID); err != nil {
		return err
	}

	devices, closeFn, err := cmdCtx.openDevices(cmdCtx)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := devices.Reset(cmdCtx.Ctx, opts.DeviceID)
	if err != nil {
		return fmt.Errorf("reset device: %w", err)
	}
	cmdCtx.Logger.Info("device reset", "device_id", opts.DeviceID, "keys_removed", n)
	return writef(cmdCtx.Out, "Removed %d keys for device %s\n", n, opts.DeviceID)
}

// confirmAction asks on out and reads the answer from in unless yes is set.
func confirmAction(in io.Reader, out io.Writer, yes bool, action string) error {
	if yes {
		return nil
	}
	if err := writef(out, "About to %s.\nContinue? [y/N]: ", action); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	var resp string
	if _, err := fmt.Fscanln(in, &resp); err != nil {
		return errors.New("aborted by user")
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
