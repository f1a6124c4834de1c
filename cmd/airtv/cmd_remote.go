package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/airtv-go/airtv"
	"github.com/spf13/cobra"
)

// actions maps command names onto facade calls; the same table backs the
// one-shot commands and the `remote` sequence command.
var actions = map[string]func(ctx context.Context, atv *airtv.AppleTV) error{
	"up":          func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Up(ctx) },
	"down":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Down(ctx) },
	"left":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Left(ctx) },
	"right":       func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Right(ctx) },
	"select":      func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Select(ctx) },
	"menu":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Menu(ctx) },
	"home":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Home(ctx) },
	"top_menu":    func(ctx context.Context, atv *airtv.AppleTV) error { return atv.TopMenu(ctx) },
	"play":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Play(ctx) },
	"pause":       func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Pause(ctx) },
	"play_pause":  func(ctx context.Context, atv *airtv.AppleTV) error { return atv.PlayPause(ctx) },
	"stop":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Stop(ctx) },
	"next":        func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Next(ctx) },
	"previous":    func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Previous(ctx) },
	"volume_up":   func(ctx context.Context, atv *airtv.AppleTV) error { return atv.VolumeUp(ctx) },
	"volume_down": func(ctx context.Context, atv *airtv.AppleTV) error { return atv.VolumeDown(ctx) },
	"suspend":     func(ctx context.Context, atv *airtv.AppleTV) error { return atv.TurnOff(ctx) },
	"wakeup":      func(ctx context.Context, atv *airtv.AppleTV) error { return atv.TurnOn(ctx) },
	"screensaver": func(ctx context.Context, atv *airtv.AppleTV) error { return atv.Home(ctx) },
	"playing": func(ctx context.Context, atv *airtv.AppleTV) error {
		playing, err := atv.Playing(ctx)
		if err != nil {
			return err
		}
		fmt.Println(playing.String())
		return nil
	},
}

func remoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remote <command>...",
		Short: "Run a sequence of remote control commands",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if _, ok := actions[name]; !ok {
					return fmt.Errorf("unknown command %q (known: %s)", name, knownActions())
				}
			}
			atv, cleanup, err := connectDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			for _, name := range args {
				if err := actions[name](cmd.Context(), atv); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
			}
			return nil
		},
	}
}

// oneShotCommands exposes every action as its own subcommand.
func oneShotCommands() []*cobra.Command {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*cobra.Command, 0, len(names))
	for _, name := range names {
		action := actions[name]
		out = append(out, &cobra.Command{
			Use:   name,
			Short: "Send " + name + " to the device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				atv, cleanup, err := connectDevice(cmd.Context())
				if err != nil {
					return err
				}
				defer cleanup()
				return action(cmd.Context(), atv)
			},
		})
	}
	return out
}

func knownActions() string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
