// escrowctl is the operator companion to escrowd. It implements the two
// recovery reads: listing audit entries stuck in pending and comparing a
// project's local record against the settlement ledger. It never mutates
// state; resolving a discrepancy stays a human decision.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gigvault/audit"
	"gigvault/config"
	"gigvault/escrow"
	"gigvault/ledger"
	"gigvault/storage"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "escrowctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("escrowctl", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the TOML configuration file")
	olderThan := flags.Duration("older-than", 15*time.Minute, "pending entry age threshold")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: escrowctl [-config path] [-older-than 15m] <pending|drift project-id>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch rest[0] {
	case "pending":
		return listPending(ctx, db, *olderThan)
	case "drift":
		if len(rest) < 2 {
			return fmt.Errorf("usage: escrowctl drift <project-id>")
		}
		projectID, err := uuid.Parse(rest[1])
		if err != nil {
			return fmt.Errorf("project id must be a uuid: %w", err)
		}
		return reportDrift(ctx, cfg, db, projectID)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// listPending prints audit entries still pending past the threshold. Each one
// marks a ledger call whose local commit never landed.
func listPending(ctx context.Context, db *gorm.DB, olderThan time.Duration) error {
	recorder := audit.NewRecorder(db)
	entries, err := recorder.ListPendingBefore(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no pending audit entries")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tPROJECT\tACTION\tAGE\tMETADATA")
	now := time.Now().UTC()
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.ProjectID, e.Action, now.Sub(e.CreatedAt).Round(time.Second), e.Metadata)
	}
	return tw.Flush()
}

// reportDrift compares the local aggregate against the ledger's view of the
// contract and prints every discrepancy.
func reportDrift(ctx context.Context, cfg *config.Config, db *gorm.DB, projectID uuid.UUID) error {
	store := storage.NewStore(db)
	project, err := store.Load(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Escrow.ContractRef == "" {
		fmt.Printf("project %s has no escrow contract yet\n", projectID)
		return nil
	}

	client := ledger.NewClient(ledger.ClientConfig{
		BaseURL:   cfg.LedgerURL,
		AuthToken: cfg.LedgerAuthToken,
		Timeout:   cfg.LedgerTimeout,
	})
	state, err := client.QueryState(ctx, project.Escrow.ContractRef)
	if err != nil {
		return fmt.Errorf("query ledger state: %w", err)
	}

	drift := 0
	report := func(format string, args ...interface{}) {
		drift++
		fmt.Printf("  "+format+"\n", args...)
	}

	fmt.Printf("project %s, contract %s\n", projectID, project.Escrow.ContractRef)

	remaining := new(big.Int).Sub(project.Escrow.Total, project.Escrow.Released)
	if state.Balance != nil && remaining.Cmp(state.Balance) != 0 {
		report("balance: ledger holds %s, local expects %s (total %s - released %s)",
			state.Balance, remaining, project.Escrow.Total, project.Escrow.Released)
	}
	for _, ms := range state.Milestones {
		local := project.FindMilestone(ms.Index)
		if local == nil {
			report("milestone %d exists on ledger but not locally", ms.Index)
			continue
		}
		if ms.Released != (local.Status == escrow.MilestoneApproved) {
			report("milestone %d: ledger released=%t, local status %q", ms.Index, ms.Released, local.Status)
		}
		if ms.Amount != nil && local.Amount != nil && ms.Amount.Cmp(local.Amount) != 0 {
			report("milestone %d: ledger amount %s, local amount %s", ms.Index, ms.Amount, local.Amount)
		}
	}

	if drift == 0 {
		fmt.Println("  no drift detected")
	} else {
		fmt.Printf("  %d discrepancies\n", drift)
	}
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if cfg.PostgresDSN() {
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
}
