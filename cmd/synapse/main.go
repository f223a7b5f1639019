// The synapse binary runs the S.Y.N.A.P.S.E. control plane: a local LLM
// orchestration layer that routes queries across a fleet of llama-server
// instances by complexity, with context-guided retrieval, response caching,
// and multi-model dialogue modes.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:           "synapse",
		Short:         "Local LLM orchestration control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config profile")

	root.AddCommand(serveCmd(), modelsCmd(), rescanCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
