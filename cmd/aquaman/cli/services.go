package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tech4242/aquaman/internal/service"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Inspect the service registry",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := service.NewRegistry(cfg.ServicesFile)
		defs := registry.List()

		if jsonOut {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(defs)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tAUTH\tUPSTREAM\tSOURCE")
		for _, def := range defs {
			source := "user"
			if def.Builtin() {
				source = "builtin"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.AuthMode, def.Upstream, source)
		}
		return w.Flush()
	},
}

var servicesHostmapCmd = &cobra.Command{
	Use:   "hostmap",
	Short: "Print the hostname-pattern to service map",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry := service.NewRegistry(cfg.ServicesFile)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(registry.BuildHostMap())
	},
}

func init() {
	servicesCmd.AddCommand(servicesListCmd)
	servicesCmd.AddCommand(servicesHostmapCmd)
	rootCmd.AddCommand(servicesCmd)
}
