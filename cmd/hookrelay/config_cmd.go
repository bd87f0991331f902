package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/doctor"
)

const redacted = "********"

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and display configuration",
	}

	var jsonOut bool
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load the config and report errors and warnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, *configPath, jsonOut)
		},
	}
	checkCmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")

	var dryRun bool
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Write BLAKE3 checksums for every file in the config tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigLock(cmd, *configPath, dryRun)
		},
	}
	lockCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print hashes without writing .checksums")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, *configPath)
		},
	}

	cmd.AddCommand(checkCmd, lockCmd, showCmd)
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configFlag string, jsonOut bool) error {
	configPath, err := resolveConfigPath(cmd, configFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		result := &doctor.Result{
			Valid:  false,
			Errors: []doctor.Issue{{Category: "load", Message: err.Error()}},
		}
		printDoctorResult(cmd, result, jsonOut)
		return exitError{code: 1}
	}

	result := doctor.New(cfg).Validate()
	printDoctorResult(cmd, result, jsonOut)
	if !result.Valid {
		return exitError{code: 1}
	}

	fingerprint, err := config.Fingerprint(cfg.SourceFiles)
	if err == nil && !jsonOut {
		fmt.Fprintf(out, "Fingerprint: %s\n", fingerprint)
	}
	return nil
}

func printDoctorResult(cmd *cobra.Command, result *doctor.Result, jsonOut bool) {
	out := cmd.OutOrStdout()
	if jsonOut {
		data, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to render JSON: %v\n", err)
			return
		}
		fmt.Fprintln(out, data)
		return
	}
	fmt.Fprint(out, doctor.FormatHuman(result))
}

func runConfigLock(cmd *cobra.Command, configFlag string, dryRun bool) error {
	configPath, err := resolveConfigPath(cmd, configFlag)
	if err != nil {
		return err
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		return fmt.Errorf("config lock failed: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, f := range report.Files {
		fmt.Fprintf(out, "%s  %s\n", f.Hash, f.Path)
	}
	verb := "Wrote"
	if !report.Written {
		verb = "Would write"
	}
	for _, p := range report.ChecksumPaths {
		fmt.Fprintf(out, "%s %s\n", verb, p)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, configFlag string) error {
	configPath, err := resolveConfigPath(cmd, configFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := yaml.Marshal(redact(*cfg))
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# sources: %v\n%s", cfg.SourceFiles, data)
	return nil
}

// redact masks credentials. cfg is a copy; maps are not modified.
func redact(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	cfg.Secret = mask(cfg.Secret)
	cfg.Matrix.Password = mask(cfg.Matrix.Password)
	cfg.Matrix.AccessToken = mask(cfg.Matrix.AccessToken)
	cfg.Include = nil
	return cfg
}
