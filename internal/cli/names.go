package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/rpcguard/internal/config"
	"github.com/ppiankov/rpcguard/internal/model"
	"github.com/ppiankov/rpcguard/internal/naming"
)

var (
	namesService string
	namesMethod  string
	namesParams  []string
	namesGroup   string
	namesVersion string
	namesPrefix  string
	namesQualify bool
	namesFormat  string
)

func init() {
	rootCmd.AddCommand(namesCmd)
	namesCmd.Flags().StringVar(&namesService, "service", "", "Target service, e.g. billing.PaymentService (required)")
	namesCmd.Flags().StringVar(&namesMethod, "method", "", "Called method (required)")
	namesCmd.Flags().StringSliceVar(&namesParams, "param", nil, "Parameter type, repeatable and ordered")
	namesCmd.Flags().StringVar(&namesGroup, "group", "", "Service group")
	namesCmd.Flags().StringVar(&namesVersion, "version", "", "Service version")
	namesCmd.Flags().StringVar(&namesPrefix, "prefix", "", "Prefix operation names with this consumer prefix")
	namesCmd.Flags().BoolVar(&namesQualify, "qualify", false, "Qualify the service name with version and group")
	namesCmd.Flags().StringVarP(&namesFormat, "format", "f", "text", "Output format (text|json)")
	namesCmd.MarkFlagRequired("service")
	namesCmd.MarkFlagRequired("method")
}

var namesCmd = &cobra.Command{
	Use:   "names",
	Short: "Print the resource names a call is admitted under",
	Long: "Derives the service-level and operation-level resource names for a\n" +
		"call, using the naming settings from the config file. Flags override\n" +
		"the config.",
	RunE: runNames,
}

type namesResult struct {
	Service   string `json:"service"`
	Operation string `json:"operation"`
}

func runNames(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	nc := cfg.Guard
	if cmd.Flags().Changed("prefix") {
		nc.UsePrefix = namesPrefix != ""
		nc.ConsumerPrefix = namesPrefix
	}
	if cmd.Flags().Changed("qualify") {
		nc.QualifyServiceWithGroupVersion = namesQualify
	}

	desc := model.CallDescriptor{
		Service:    namesService,
		Group:      namesGroup,
		Version:    namesVersion,
		Method:     namesMethod,
		ParamTypes: namesParams,
	}
	service, operation, err := naming.Names(desc, nc)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch namesFormat {
	case "json":
		data, err := json.MarshalIndent(namesResult{Service: service, Operation: operation}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	default:
		fmt.Fprintf(out, "service:   %s\n", service)
		fmt.Fprintf(out, "operation: %s\n", operation)
	}
	return nil
}
