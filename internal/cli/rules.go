package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rpcguard/internal/admission"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesExampleCmd)
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with admission rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Load and validate a rules file",
	Long:  "Parses a rules YAML file, applies defaults, and prints a summary\nwith the file's sha256. Exit code 1 if the file is invalid.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, hash, err := admission.LoadRulesWithHash(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok (%s)\n", args[0], hash)
		fmt.Fprintf(out, "  flow:        %d\n", len(rules.Flow))
		fmt.Fprintf(out, "  param_flow:  %d\n", len(rules.ParamFlow))
		fmt.Fprintf(out, "  concurrency: %d\n", len(rules.Concurrency))
		fmt.Fprintf(out, "  degrade:     %d\n", len(rules.Degrade))
		return nil
	},
}

var rulesExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example rules file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), admission.ExampleRulesYAML())
	},
}
