package main

import (
	"fmt"
	"os"

	"github.com/benaskins/hello-docker/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type checkResult struct {
	Path    string         `json:"path"`
	Valid   bool           `json:"valid"`
	Error   string         `json:"error,omitempty"`
	Config  *config.Config `json:"-"`
	Variant string         `json:"variant,omitempty"`
	Addr    string         `json:"addr,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check <config-file>...",
	Short: "Validate config files",
	Long: `Parse and validate YAML config files. With a single file, the effective
configuration (defaults and file, plus the environment with --env) is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

var checkWithEnv bool

func init() {
	checkCmd.Flags().BoolVar(&checkWithEnv, "env", false, "Apply environment variables on top of the file")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	lookup := config.LookupFunc(func(string) (string, bool) { return "", false })
	if checkWithEnv {
		lookup = os.LookupEnv
	}

	var results []checkResult
	var failed int
	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			results = append(results, checkResult{Path: path, Error: fmt.Sprintf("cannot access %s: %v", path, err)})
			failed++
			continue
		}
		cfg, err := config.Load(path, config.Overrides{}, lookup)
		if err != nil {
			results = append(results, checkResult{Path: path, Error: err.Error()})
			failed++
			continue
		}
		results = append(results, checkResult{
			Path:    path,
			Valid:   true,
			Config:  cfg,
			Variant: cfg.Variant.String(),
			Addr:    cfg.Addr(),
		})
	}

	if jsonOut {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(out, "%s    %s (%s, %s)\n", okStyle.Render("OK"), r.Path, r.Variant, r.Addr)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s  %s\n      %v\n", failStyle.Render("FAIL"), r.Path, r.Error)
			}
		}

		if len(results) == 1 && results[0].Valid {
			data, err := yaml.Marshal(results[0].Config)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			fmt.Fprintf(out, "\n%s", data)
		}

		if len(results) > 1 {
			fmt.Fprintf(out, "\n%d/%d configs valid\n", len(results)-failed, len(results))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d config(s) failed validation", failed)
	}
	return nil
}
