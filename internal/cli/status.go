package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/collector/internal/core/config"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show exception and retry counts by status",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusCount struct {
	InterfaceType string `db:"interface_type"`
	Status        string `db:"status"`
	Total         int64  `db:"total"`
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	var exceptions []statusCount
	err := db.SelectContext(ctx, &exceptions, `
		SELECT interface_type, status, count(*) AS total
		FROM interface_exceptions
		GROUP BY interface_type, status
		ORDER BY interface_type, status`)
	if err != nil {
		slog.Error("Failed to query exceptions", "error", err)
		os.Exit(1)
	}

	var attempts []statusCount
	err = db.SelectContext(ctx, &attempts, `
		SELECT e.interface_type, a.status, count(*) AS total
		FROM retry_attempts a
		JOIN interface_exceptions e ON e.transaction_id = a.transaction_id
		GROUP BY e.interface_type, a.status
		ORDER BY e.interface_type, a.status`)
	if err != nil {
		slog.Error("Failed to query retry attempts", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KIND\tINTERFACE\tSTATUS\tCOUNT")
	for _, c := range exceptions {
		_, _ = fmt.Fprintf(w, "exception\t%s\t%s\t%d\n", c.InterfaceType, c.Status, c.Total)
	}
	for _, c := range attempts {
		_, _ = fmt.Fprintf(w, "attempt\t%s\t%s\t%d\n", c.InterfaceType, c.Status, c.Total)
	}
	_ = w.Flush()
}

func openDB(ctx context.Context, cfg *config.AppConfig) *postgres.DB {
	if cfg.Database.URL == "" {
		slog.Error("database.url is not configured")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db
}
