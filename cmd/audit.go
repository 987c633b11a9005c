package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/serverqueue/app/plugins"
	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/audit"
	"github.com/kilianp07/serverqueue/pkg/export"
)

var exportFlags struct {
	format      string
	client      string
	destination string
	event       string
	since       time.Duration
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail related commands",
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded queue outcomes from the configured audit store",
	RunE:  runAuditExport,
}

func init() {
	f := auditExportCmd.Flags()
	f.StringVar(&exportFlags.format, "format", "csv", "output format: csv or json")
	f.StringVar(&exportFlags.client, "client", "", "only records of this client")
	f.StringVar(&exportFlags.destination, "destination", "", "only records of this destination")
	f.StringVar(&exportFlags.event, "event", "", "only records of this event kind")
	f.DurationVar(&exportFlags.since, "since", 0, "only records newer than this")
	auditCmd.AddCommand(auditExportCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Audit.Durable() {
		return fmt.Errorf("audit backend %s keeps nothing to export", cfg.Audit.Backend)
	}
	store, err := plugins.NewAuditStore(cfg.Audit)
	if err != nil {
		return err
	}
	defer store.Close()

	q := audit.Query{Client: exportFlags.client, Destination: exportFlags.destination, Event: exportFlags.event}
	if exportFlags.since > 0 {
		q.Start = time.Now().Add(-exportFlags.since)
	}
	recs, err := store.Query(cmd.Context(), q)
	if err != nil {
		return err
	}
	return writeRecords(cmd.OutOrStdout(), exportFlags.format, recs)
}

func writeRecords(w io.Writer, format string, recs []audit.Record) error {
	switch format {
	case "csv":
		return export.WriteCSV(w, recs)
	case "json":
		return export.WriteJSON(w, recs)
	default:
		return fmt.Errorf("unknown format %s", format)
	}
}
