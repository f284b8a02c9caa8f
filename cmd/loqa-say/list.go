package main

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speech/internal/runtime"
)

var voicesProvider string

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the voices on the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sp, err := openSpeech(cmd)
		if err != nil {
			return err
		}
		defer sp.Close()

		var rows [][]string
		for _, v := range sp.Speaker.Voices().Items() {
			if voicesProvider != "" && v.ProviderID() != voicesProvider {
				continue
			}
			rows = append(rows, []string{v.Name(), strings.Join(v.Languages(), ","), v.Identifier(), v.ProviderID()})
		}
		return printTable(cmd.OutOrStdout(), []string{"NAME", "LANGUAGES", "IDENTIFIER", "PROVIDER"}, rows)
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the speech providers on the bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sp, err := openSpeech(cmd)
		if err != nil {
			return err
		}
		defer sp.Close()

		var rows [][]string
		for _, p := range sp.Speaker.Providers().Items() {
			rows = append(rows, []string{p.Name(), p.ID(), strconv.Itoa(p.Voices().Len()), strconv.FormatBool(p.Activatable())})
		}
		return printTable(cmd.OutOrStdout(), []string{"NAME", "IDENTIFIER", "VOICES", "ACTIVATABLE"}, rows)
	},
}

func init() {
	voicesCmd.Flags().StringVar(&voicesProvider, "provider", "", "Only list voices of this provider")
}

// openSpeech builds a speaker that never plays anything; listings only
// need the registry behind it.
func openSpeech(cmd *cobra.Command) (*runtime.Speech, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Audio.Sink = "discard"
	return runtime.OpenSpeech(cmd.Context(), cfg, runtime.SpeechOptions{}, newLogger())
}
