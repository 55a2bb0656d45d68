package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/collector/internal/collector/validation"
	"github.com/vietddude/collector/internal/infra/storage/postgres"
)

var validateCmd = &cobra.Command{
	Use:   "validate [operation] [transaction_id]",
	Short: "Check whether an operation is currently allowed on an exception",
	Args:  cobra.ExactArgs(2),
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) {
	op, err := validation.ParseOperation(args[0])
	if err != nil {
		fmt.Printf("Invalid operation: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()

	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	// A private cache: the answer always comes from the database.
	cache := validation.NewCache(validation.NewMemoryStore(0), cfg.Cache.TTL)
	svc := validation.NewService(postgres.NewExceptionRepo(db), cache, cfg.Validation)

	res := svc.Validate(ctx, op, args[1])
	if res.Valid {
		fmt.Printf("%s on %s: allowed\n", op, args[1])
		return
	}
	fmt.Printf("%s on %s: rejected\n", op, args[1])
	for _, e := range res.Errors {
		fmt.Printf("  %s: %s\n", e.Code, e.Message)
	}
	os.Exit(2)
}
