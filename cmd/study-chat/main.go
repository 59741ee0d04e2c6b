package main

import (
	"context"
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/study-chat/pkg/config"
	"github.com/go-go-golems/study-chat/pkg/logging"
	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

// globals is populated by the root PersistentPreRunE for the running command.
var globals *viper.Viper

var rootCmd = &cobra.Command{
	Use:           "study-chat",
	Short:         "Timed research chat sessions between participants and an assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}
		configFile, _ := cmd.Flags().GetString("config")
		v, err := config.NewViper(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		logger, err := logging.New(os.Stderr, v.GetString("log-level"))
		if err != nil {
			return err
		}
		log.Logger = logger
		globals = v
		return nil
	},
}

func main() {
	config.AddGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newServeCommand(), newTranscriptCommand())

	scenariosCmd, err := NewScenariosCommand()
	cobra.CheckErr(err)
	cobraScenariosCmd, err := cli.BuildCobraCommand(scenariosCmd, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	cobra.CheckErr(err)
	conversationsCmd, err := NewConversationsCommand()
	cobra.CheckErr(err)
	cobraConversationsCmd, err := cli.BuildCobraCommand(conversationsCmd, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	cobra.CheckErr(err)
	rootCmd.AddCommand(cobraScenariosCmd, cobraConversationsCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("study-chat failed")
		os.Exit(1)
	}
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func openStore(path string) (studystore.Store, error) {
	if path == "" || path == ":memory:" {
		log.Warn().Msg("no database configured, conversations are kept in memory only")
		return studystore.NewInMemoryStore(nil), nil
	}
	dsn, err := studystore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return studystore.NewSQLiteStore(dsn)
}

func loadCatalog(path string) (*scenarios.Catalog, error) {
	if path == "" {
		return scenarios.Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open scenario catalog")
	}
	defer func() { _ = f.Close() }()
	return scenarios.Load(f)
}

// openPersistentStore is openStore for the read-side commands, which have
// nothing to read from an in-memory store.
func openPersistentStore(path string) (studystore.Store, error) {
	if path == "" || path == ":memory:" {
		return nil, errors.New("--db must point at a sqlite file")
	}
	return openStore(path)
}
