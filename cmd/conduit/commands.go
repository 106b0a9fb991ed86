package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/doctor"
	"github.com/mattjoyce/conduit/internal/inspect"
	"github.com/mattjoyce/conduit/internal/runstore"
	"github.com/mattjoyce/conduit/internal/storage"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	var (
		file    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile and lint the configured pipeline definitions",
		Long: `Loads the configuration and compiles every project definition. Errors
make the command exit 1. Warnings point at definitions that compile but are
likely not doing what was meant: unreachable jobs, manual jobs that block the
pipeline, artifacts without expiry, retry policies that never match.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cfg *config.Config
				err error
			)
			if file != "" {
				cfg, err = localConfig(g, "local", file, ".")
			} else {
				cfg, err = loadConfig(g)
			}
			if err != nil {
				return err
			}

			result := doctor.New(cfg).Validate()
			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return exitCode(exitFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Validate one definition file without a conduit.yaml")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the result as JSON")
	return cmd
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		state   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <pipeline-id>",
		Short: "Render the report of a stored pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if state == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				state = cfg.State.Path
			}
			db, err := storage.OpenSQLite(cmd.Context(), state)
			if err != nil {
				return err
			}
			defer db.Close()
			store := runstore.New(db)

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), store, args[0])
			} else {
				report, err = inspect.BuildReport(cmd.Context(), store, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Run database to read (default: state.path from the config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
