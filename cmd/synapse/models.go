package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/fleet"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList()
		},
	})
	return cmd
}

func runModelsList() error {
	reg, _, err := openRegistry()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIER\tQUANT\tPORT\tENABLED\tFILE")
	for _, d := range reg.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n",
			d.ID, d.Tier, d.Quant, d.Port, d.Enabled, d.FilePath)
	}
	return w.Flush()
}

func rescanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescan",
		Short: "Reconcile the registry with the model directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRescan()
		},
	}
}

func runRescan() error {
	reg, cfg, err := openRegistry()
	if err != nil {
		return err
	}

	added, removed, err := reg.Rescan(cfg.Fleet.ModelDir)
	if err != nil {
		return err
	}
	for _, id := range added {
		fmt.Printf("added   %s\n", id)
	}
	for _, id := range removed {
		fmt.Printf("removed %s\n", id)
	}
	fmt.Printf("%d added, %d removed, %d total\n", len(added), len(removed), len(reg.List()))
	return nil
}

func openRegistry() (*fleet.Registry, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := fleet.LoadRegistry(cfg.Fleet.RegistryPath, cfg.Fleet.PortRangeStart, cfg.Fleet.PortRangeEnd)
	if err != nil {
		return nil, nil, err
	}
	return reg, cfg, nil
}
