// Command airtv scans for, pairs with, and controls Apple media devices
// on the local network.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/airtv-go/airtv"
	"github.com/airtv-go/airtv/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagHost       string
	flagID         string
	flagTimeout    time.Duration
	flagDebug      bool
	flagStorageDir string
)

func main() {
	root := &cobra.Command{
		Use:           "airtv",
		Short:         "Discover and control Apple TVs, HomePods, and AirPlay receivers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&flagHost, "host", "", "device address; forces unicast scanning")
	root.PersistentFlags().StringVar(&flagID, "id", "", "device identifier to select")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 3*time.Second, "scan timeout")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flagStorageDir, "storage-dir", "", "settings directory (default: ~/.config/airtv)")

	root.AddCommand(scanCommand(), pairCommand(), remoteCommand())
	for _, c := range oneShotCommands() {
		root.AddCommand(c)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openStore() (*storage.JSONStore, *storage.Registry, error) {
	dir := flagStorageDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(home, ".config", "airtv")
	}
	store := storage.NewJSONStore(dir)
	registry, err := store.Load()
	if err != nil {
		return nil, nil, err
	}
	return store, registry, nil
}

func scanOptions(registry *storage.Registry) (airtv.ScanOptions, error) {
	opts := airtv.ScanOptions{Timeout: flagTimeout, Registry: registry}
	if flagHost != "" {
		addr, err := netip.ParseAddr(flagHost)
		if err != nil {
			return opts, fmt.Errorf("invalid host %q: %w", flagHost, err)
		}
		opts.Hosts = []netip.Addr{addr}
	}
	if flagID != "" {
		opts.Identifiers = []string{flagID}
	}
	return opts, nil
}

// findDevice scans and picks the requested device: by identifier, by host,
// or the first one found.
func findDevice(ctx context.Context, registry *storage.Registry) (*airtv.DeviceConfig, error) {
	opts, err := scanOptions(registry)
	if err != nil {
		return nil, err
	}
	devices, err := airtv.Scan(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices found")
	}
	if flagID != "" {
		for _, device := range devices {
			if device.Identifier() == flagID {
				return device, nil
			}
		}
		return nil, fmt.Errorf("no device with identifier %s", flagID)
	}
	return devices[0], nil
}

func connectDevice(ctx context.Context) (*airtv.AppleTV, func(), error) {
	_, registry, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	device, err := findDevice(ctx, registry)
	if err != nil {
		return nil, nil, err
	}
	atv, err := airtv.Connect(ctx, device, nil)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := atv.Close(closeCtx); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
	return atv, cleanup, nil
}

func printDevice(device *airtv.DeviceConfig) {
	fmt.Printf("%s (%s)\n", device.Name, device.Address)
	if id := device.Identifier(); id != "" {
		fmt.Printf("  Identifier: %s\n", id)
	}
	if device.DeepSleep {
		fmt.Println("  State: deep sleep")
	}
	info := airtv.DeviceInfo(device)
	if info.Model != "" {
		fmt.Printf("  Model: %s (%s)\n", info.Model, info.OS)
	}
	for _, service := range device.Services() {
		line := fmt.Sprintf("  %s port %d, pairing %s", service.Protocol, service.Port, service.Pairing)
		if service.Credentials != "" {
			line += ", paired"
		}
		if service.RequiresPassword {
			line += ", password required"
		}
		fmt.Println(line)
	}
}

func scanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Discover devices on the network",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, registry, err := openStore()
			if err != nil {
				return err
			}
			opts, err := scanOptions(registry)
			if err != nil {
				return err
			}
			devices, err := airtv.Scan(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return fmt.Errorf("no devices found")
			}
			for i, device := range devices {
				if i > 0 {
					fmt.Println()
				}
				printDevice(device)
			}
			return nil
		},
	}
}

// storeCredentials persists the service credentials after pairing.
func storeCredentials(store *storage.JSONStore, registry *storage.Registry, device *airtv.DeviceConfig, service *airtv.MutableService) error {
	identifier := device.Identifier()
	if identifier == "" {
		return fmt.Errorf("device has no identifier to store credentials under")
	}
	entry := registry.Device(identifier)
	entry.Info.Name = device.Name
	settings := entry.Protocol(service.Protocol.String())
	settings.Credentials = service.Credentials
	settings.Identifier = service.Identifier
	if err := store.Save(registry); err != nil {
		return err
	}
	return store.Flush()
}
