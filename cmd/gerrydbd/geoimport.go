package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mggg/gerrydb/internal/geography"
)

var (
	geoImportNamespace string
	geoImportPathField string
	geoImportUploader  int64
	geoImportMetaID    int64
)

// geoImportCmd decodes a shapefile and bulk-creates one Geography per
// record. It opens a GeoImport row first and prints its UUID; the created
// geography rows do not reference that GeoImport.
var geoImportCmd = &cobra.Command{
	Use:   "geo-import SHAPEFILE",
	Short: "Bulk-create geographies from a shapefile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil { // database_url is the only shared requirement
			return err
		}
		if geoImportNamespace == "" {
			return fmt.Errorf("gerrydbd geo-import: --namespace is required")
		}
		if geoImportUploader == 0 {
			return fmt.Errorf("gerrydbd geo-import: --uploader-id is required")
		}
		if geoImportMetaID == 0 {
			return fmt.Errorf("gerrydbd geo-import: --meta-id is required")
		}

		k, err := openKernel(ctx)
		if err != nil {
			return err
		}
		defer k.Close()

		ns, err := k.Namespaces.Get(ctx, geoImportNamespace)
		if err != nil {
			return err
		}
		if ns == nil {
			return fmt.Errorf("gerrydbd geo-import: namespace %q not found", geoImportNamespace)
		}

		inputs, err := geography.ImportShapefile(args[0], geoImportPathField)
		if err != nil {
			return err
		}
		if len(inputs) == 0 {
			return fmt.Errorf("gerrydbd geo-import: no records with a non-empty %q field", geoImportPathField)
		}

		gi, err := k.GeoImports.Create(ctx, ns.ID, geoImportUploader)
		if err != nil {
			return err
		}

		created, err := k.Geos.CreateBulk(ctx, ns.ID, inputs, geoImportMetaID)
		if err != nil {
			return err
		}

		fmt.Printf("geo-import %s: created %d geographies in %s\n", gi.UUID, len(created), geoImportNamespace)
		return nil
	},
}

func init() {
	geoImportCmd.Flags().StringVar(&geoImportNamespace, "namespace", "", "namespace path to create geographies in")
	geoImportCmd.Flags().StringVar(&geoImportPathField, "path-field", "GEOID", "shapefile attribute field supplying each Geography's path")
	geoImportCmd.Flags().Int64Var(&geoImportUploader, "uploader-id", 0, "user id to attribute this GeoImport to")
	geoImportCmd.Flags().Int64Var(&geoImportMetaID, "meta-id", 0, "Meta row id to attribute the created geographies to")
	rootCmd.AddCommand(geoImportCmd)
}
