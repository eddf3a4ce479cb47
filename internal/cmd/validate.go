package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goingest/pkg/manifest"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a pipeline manifest",
	Long: `Validate checks a pipeline manifest against the embedded schema and
compiles its agency patterns, durations and timezone.

Without an argument the --manifest flag, then manifest.path from config, is
used. Use '-' to read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("json", false, "Output the normalized manifest as JSON")
}

func runValidate(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	path := manifestPath
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		path = cfg.Manifest.Path
	}
	if path == "" {
		return exitError(foundry.ExitInvalidArgument, "No manifest to validate",
			fmt.Errorf("pass a path, --manifest or set manifest.path"))
	}

	var (
		m   *manifest.Manifest
		err error
	)
	if path == "-" {
		m, err = manifest.LoadFromReader(cmd.InOrStdin(), "stdin.yaml")
	} else {
		m, err = manifest.Load(path)
	}
	if err != nil {
		writeValidationErrors(cmd.ErrOrStderr(), path, err)
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d agencies)\n", color.GreenString("valid"), path, len(m.Agencies))
	return nil
}

func writeValidationErrors(w io.Writer, path string, err error) {
	_, _ = fmt.Fprintf(w, "%s %s\n", color.RedString("invalid"), path)
	var verrs manifest.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			_, _ = fmt.Fprintf(w, "  %s\n", e.Error())
		}
		return
	}
	_, _ = fmt.Fprintf(w, "  %s\n", err)
}
