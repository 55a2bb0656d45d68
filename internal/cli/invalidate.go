package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/core/config"
	redisclient "github.com/vietddude/collector/internal/infra/redis"
)

var invalidateAll bool

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [transaction_id]",
	Short: "Drop cached validation verdicts from the shared Redis cache",
	Args: func(cmd *cobra.Command, args []string) error {
		if invalidateAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	Run: runInvalidate,
}

func init() {
	invalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "clear every cached verdict")
	rootCmd.AddCommand(invalidateCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Cache.Backend != config.CacheBackendRedis {
		fmt.Println("Cache backend is memory; verdicts live inside each running process")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	store := redisclient.NewVerdictStore(client, cfg.Redis.KeyPrefix)
	cache := validation.NewCache(store, cfg.Cache.TTL)

	if invalidateAll {
		cached, err := store.Len(ctx)
		if err != nil {
			slog.Error("Failed to count cached verdicts", "error", err)
			os.Exit(1)
		}
		if err := cache.ClearAll(ctx); err != nil {
			slog.Error("Failed to clear cache", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Successfully cleared %d cached verdicts\n", cached)
		return
	}

	if err := cache.Invalidate(ctx, args[0]); err != nil {
		slog.Error("Failed to invalidate verdicts", "transaction_id", args[0], "error", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully invalidated cached verdicts for %s\n", args[0])
}
