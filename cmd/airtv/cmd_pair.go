package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/airtv-go/airtv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func pairCommand() *cobra.Command {
	var (
		protocolName string
		pin          string
		remoteName   string
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair with a device to obtain credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			protocol, ok := airtv.ParseProtocol(protocolName)
			if !ok {
				return fmt.Errorf("unknown protocol %q", protocolName)
			}

			store, registry, err := openStore()
			if err != nil {
				return err
			}
			device, err := findDevice(cmd.Context(), registry)
			if err != nil {
				return err
			}

			handler, err := airtv.Pair(cmd.Context(), device, protocol, airtv.PairOptions{
				Name: remoteName,
				PIN:  pin,
			})
			if err != nil {
				return err
			}
			defer handler.Close(cmd.Context())

			if err := handler.Begin(cmd.Context()); err != nil {
				return err
			}

			if handler.DeviceProvidesPin() {
				entered := pin
				if entered == "" {
					if entered, err = promptPin(); err != nil {
						return err
					}
				}
				handler.Pin(entered)
			} else {
				shown := pin
				if shown == "" {
					shown = "1234"
					handler.Pin(shown)
				}
				fmt.Printf("Enter PIN %s on your device, then press enter...\n", shown)
				waitForEnter()
			}

			if err := handler.Finish(cmd.Context()); err != nil {
				return err
			}
			if !handler.HasPaired() {
				return fmt.Errorf("pairing did not complete")
			}
			if err := storeCredentials(store, registry, device, handler.Service()); err != nil {
				return err
			}
			fmt.Printf("Paired %s over %s\n", device.Name, protocol)
			return nil
		},
	}
	cmd.Flags().StringVar(&protocolName, "protocol", "", "protocol to pair (mrp, dmap, airplay, companion, raop)")
	cmd.Flags().StringVar(&pin, "pin", "", "PIN to use instead of prompting")
	cmd.Flags().StringVar(&remoteName, "name", "airtv", "remote name shown on the device")
	_ = cmd.MarkFlagRequired("protocol")
	return cmd
}

// promptPin reads the device-displayed PIN without echoing it.
func promptPin() (string, error) {
	fmt.Print("Enter PIN shown on the device: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		pin, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(pin)), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func waitForEnter() {
	reader := bufio.NewReader(os.Stdin)
	_, _ = reader.ReadString('\n')
}
