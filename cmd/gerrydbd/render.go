package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	renderNamespace string
	renderMetaID    int64
)

// renderCmd looks up a view by (namespace, path) and materializes it into a
// GeoPackage under cfg.Render.TempDir, the same coordinator path the HTTP
// transport's render endpoint would drive.
var renderCmd = &cobra.Command{
	Use:   "render PATH",
	Short: "Render a view to a GeoPackage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("render"); err != nil {
			return err
		}
		if renderNamespace == "" {
			return fmt.Errorf("gerrydbd render: --namespace is required")
		}
		if renderMetaID == 0 {
			return fmt.Errorf("gerrydbd render: --meta-id is required")
		}

		k, err := openKernel(ctx)
		if err != nil {
			return err
		}
		defer k.Close()

		ns, err := k.Namespaces.Get(ctx, renderNamespace)
		if err != nil {
			return err
		}
		if ns == nil {
			return fmt.Errorf("gerrydbd render: namespace %q not found", renderNamespace)
		}

		v, err := k.Views.GetByPath(ctx, ns.ID, args[0])
		if err != nil {
			return err
		}

		r, err := k.Render.Render(ctx, v, renderMetaID)
		if err != nil {
			return err
		}

		fmt.Printf("render %s: status=%s out=%s\n", r.UUID, r.Status, r.OutPath)
		return nil
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderNamespace, "namespace", "", "namespace path owning the view")
	renderCmd.Flags().Int64Var(&renderMetaID, "meta-id", 0, "Meta row id to attribute this render to")
	rootCmd.AddCommand(renderCmd)
}
