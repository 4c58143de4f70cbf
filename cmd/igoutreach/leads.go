package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/leads"
	"igoutreach/pkg/storage"
	"igoutreach/pkg/ui"
)

var (
	leadsGroup      int64
	leadsExportName string
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Import and export the tenant's lead list",
}

var leadsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add the handles in a file to the lead list",
	Long: `Add handles to the tenant's lead list. The file is either one handle per
line or a CSV with a "username" column. Leading @ and surrounding whitespace
are ignored; handles already present are skipped.`,
	Example: `  igoutreach leads import leads.csv
  igoutreach leads import handles.txt --group 3`,
	Args: cobra.ExactArgs(1),
	RunE: runLeadsImport,
}

var leadsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the lead list to the export directory",
	Long: `Write the tenant's leads, one handle per line, to a file in the configured
export directory. An existing export of the same name is replaced.`,
	Args: cobra.NoArgs,
	RunE: runLeadsExport,
}

func init() {
	rootCmd.AddCommand(leadsCmd)
	leadsCmd.AddCommand(leadsImportCmd, leadsExportCmd)

	leadsCmd.PersistentFlags().Int64Var(&leadsGroup, "group", 0, "lead group id")
	leadsExportCmd.Flags().StringVar(&leadsExportName, "name", "", "export name without extension (default: <tenant>-leads-<date>)")
}

func groupFlag() *int64 {
	if leadsGroup <= 0 {
		return nil
	}
	g := leadsGroup
	return &g
}

func runLeadsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := leads.Import(ctx, st, cfg.Sending.Tenant, args[0], groupFlag())
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Imported %d new leads from %s", n, args[0]))
	return nil
}

func runLeadsExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := storage.NewManager(cfg.Scrape.ExportDir)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeStorage, err, "open export directory")
	}
	name := leadsExportName
	if name == "" {
		name = fmt.Sprintf("%s-leads-%s", cfg.Sending.Tenant, time.Now().Format("20060102"))
	}
	if m.Has(name) {
		ui.PrintWarning("Replacing existing export", m.Path(name))
	}

	path, n, err := leads.Export(ctx, st, m, cfg.Sending.Tenant, name, groupFlag())
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Exported %d leads", n))
	ui.PrintInfo("File", path)
	return nil
}
