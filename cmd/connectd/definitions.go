package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lecca-io/connectd/internal/config"
)

var definitionsJSON bool

var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "List the registered connection definitions.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithoutKey()
		if err != nil {
			return err
		}
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		metas := reg.List()

		if definitionsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(metas)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tVERSION\tEXPIRY\tFIELDS")
		for _, m := range metas {
			fields := make([]string, 0, len(m.Fields))
			for _, f := range m.Fields {
				name := f.Name
				if f.Secret {
					name += "*"
				}
				if !f.Required {
					name += "?"
				}
				fields = append(fields, name)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.Kind, m.Version, m.Expiry, strings.Join(fields, ","))
		}
		return w.Flush()
	},
}

func init() {
	definitionsCmd.Flags().BoolVar(&definitionsJSON, "json", false, "Print definition metadata as JSON")
}
