package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
)

var datasetsTenant string

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List datasets and their collections",
	Long:  "Lists the tenant's datasets plus global datasets, with their collection and point count.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(false)
		if err != nil {
			return err
		}
		defer closeApp(a)

		ctx := context.Background()
		datasets, err := a.Ledger.ListDatasets(ctx, scope.TenantID(datasetsTenant), true)
		if err != nil {
			return err
		}
		if len(datasets) == 0 {
			fmt.Println("No datasets found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tDATASET\tSCOPE\tSOURCE\tCOLLECTION\tPOINTS")
		for _, d := range datasets {
			collection, points := "-", "-"
			m, err := a.Ledger.Mapping(ctx, d.ID)
			switch {
			case err == nil:
				collection, points = m.CollectionName, fmt.Sprint(m.PointCount)
			case !errors.Is(err, ledger.ErrNotFound):
				return err
			}
			tenant := d.TenantName
			if tenant == "" {
				tenant = "(global)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", tenant, d.Name, d.Scope, d.SourceKind, collection, points)
		}
		return w.Flush()
	},
}

func init() {
	datasetsCmd.Flags().StringVar(&datasetsTenant, "tenant", "", "tenant to list; global datasets are always included")
}
