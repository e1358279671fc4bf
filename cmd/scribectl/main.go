// scribectl is the operator CLI: inspect jobs, peek and requeue the DLQ,
// and manage user credits without going through the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"scribeq/internal/config"
	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/queue"
	"scribeq/internal/routing"
	"scribeq/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	var st *store.Store
	openStore := func() *store.Store {
		if st == nil {
			var err error
			st, err = store.New(ctx, cfg.PostgresDSN)
			if err != nil {
				log.Fatalf("connect postgres: %v", err)
			}
		}
		return st
	}
	q := queue.NewRedisQueue(cfg)

	root := &cobra.Command{
		Use:   "scribectl",
		Short: "Operator CLI for the scribeq job core",
	}

	root.AddCommand(&cobra.Command{
		Use:   "job <id>",
		Short: "Show a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := openStore().GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		},
	})

	dlq := &cobra.Command{Use: "dlq", Short: "Dead-letter queue operations"}
	dlq.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered job ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := q.DLQPeek(ctx, 100)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	})
	dlq.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead-lettered job back into its lane for another run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			s := openStore()
			job, err := s.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			route, err := routing.NewTable().Resolve(job.Type)
			if err != nil {
				return err
			}
			revived, err := s.Revive(ctx, jobID)
			if err != nil {
				return err
			}
			if !revived {
				return fmt.Errorf("job %s is not failed, refusing to requeue", jobID)
			}
			if err := q.DLQRequeue(ctx, jobID, route.Queue); err != nil {
				return err
			}
			fmt.Printf("requeued %s onto %s\n", jobID, route.Queue)
			return nil
		},
	})
	root.AddCommand(dlq)

	credits := &cobra.Command{Use: "credits", Short: "Credit ledger operations"}
	credits.AddCommand(&cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			credits, err := openStore().Balance(ctx, userID)
			if err != nil {
				return err
			}
			return printJSON(models.UserBalance{UserID: userID, Credits: credits})
		},
	})
	credits.AddCommand(&cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Grant credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			s := openStore()
			led := ledger.NewCoordinator(s, cfg.LedgerRetries, cfg.LedgerRetryDelay)
			txn, err := led.Grant(ctx, userID, amount, "grant:scribectl")
			if err != nil {
				return err
			}
			return printJSON(txn)
		},
	})
	credits.AddCommand(&cobra.Command{
		Use:   "history <user-id>",
		Short: "Show a user's recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			txns, err := openStore().ListTransactions(ctx, userID, 50)
			if err != nil {
				return err
			}
			return printJSON(txns)
		},
	})
	root.AddCommand(credits)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
