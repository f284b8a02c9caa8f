package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/prefs"
	"github.com/loqalabs/loqa-speech/internal/runtime"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage voice preferences",
	Long: `Manage the stored voice choices used when an utterance names no voice.

A language mapping is tried first, for the tag and then its shorter
forms (en-US, then en). The default voice comes next.`,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the default voice and language mappings",
	Args:  cobra.NoArgs,
	RunE: withPrefs(func(cmd *cobra.Command, store prefs.Store, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		ref, ok, err := store.DefaultVoice(ctx)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(out, styles.Header.Render("default:"), ref)
		} else {
			fmt.Fprintln(out, styles.Header.Render("default:"), styles.Dim.Render("none"))
		}

		mappings, err := store.Mappings(ctx)
		if err != nil {
			return err
		}
		tags := make([]string, 0, len(mappings))
		for tag := range mappings {
			tags = append(tags, tag)
		}
		slices.Sort(tags)
		rows := make([][]string, 0, len(tags))
		for _, tag := range tags {
			rows = append(rows, []string{tag, mappings[tag].Provider, mappings[tag].Voice})
		}
		return printTable(out, []string{"LANGUAGE", "PROVIDER", "VOICE"}, rows)
	}),
}

var prefsDefaultCmd = &cobra.Command{
	Use:   "default PROVIDER VOICE",
	Short: "Set the default voice",
	Args:  cobra.ExactArgs(2),
	RunE: withPrefs(func(cmd *cobra.Command, store prefs.Store, args []string) error {
		return store.SetDefaultVoice(cmd.Context(), prefs.VoiceRef{Provider: args[0], Voice: args[1]})
	}),
}

var prefsClearDefaultCmd = &cobra.Command{
	Use:   "clear-default",
	Short: "Forget the default voice",
	Args:  cobra.NoArgs,
	RunE: withPrefs(func(cmd *cobra.Command, store prefs.Store, _ []string) error {
		return store.ClearDefaultVoice(cmd.Context())
	}),
}

var prefsMapCmd = &cobra.Command{
	Use:   "map LANGUAGE PROVIDER VOICE",
	Short: "Use a voice for a language",
	Args:  cobra.ExactArgs(3),
	RunE: withPrefs(func(cmd *cobra.Command, store prefs.Store, args []string) error {
		return store.MapLanguage(cmd.Context(), args[0], prefs.VoiceRef{Provider: args[1], Voice: args[2]})
	}),
}

var prefsUnmapCmd = &cobra.Command{
	Use:   "unmap LANGUAGE",
	Short: "Remove a language mapping",
	Args:  cobra.ExactArgs(1),
	RunE: withPrefs(func(cmd *cobra.Command, store prefs.Store, args []string) error {
		return store.UnmapLanguage(cmd.Context(), args[0])
	}),
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd, prefsDefaultCmd, prefsClearDefaultCmd, prefsMapCmd, prefsUnmapCmd)
}

// withPrefs opens the configured store around fn.
func withPrefs(fn func(*cobra.Command, prefs.Store, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := runtime.OpenPrefs(cmd.Context(), cfg.Preferences, newLogger())
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(cmd, store, args)
	}
}
