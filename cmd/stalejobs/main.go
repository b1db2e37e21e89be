// Command stalejobs lists jobs that have stayed claimed longer than a
// threshold. Claims carry no lease, so a worker that died mid-run leaves its
// job in claimed until an operator intervenes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"chartextract/internal/adapter/repo"
	"chartextract/internal/domain"
	"chartextract/internal/infra"
)

type staleJob struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	ClaimedBy string     `json:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at"`
	Age       string     `json:"age"`
}

func main() {
	_ = godotenv.Load()

	var (
		olderThanFlag time.Duration
		jsonFlag      bool
	)
	flag.DurationVar(&olderThanFlag, "older-than", 0, "report claims older than this (default STALE_CLAIM_AFTER_MINUTES)")
	flag.BoolVar(&jsonFlag, "json", false, "print one JSON object per job")
	flag.Parse()

	if err := run(olderThanFlag, jsonFlag, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run does the work of main so deferred cleanup happens before the exit code
// is set.
func run(olderThanFlag time.Duration, jsonOut bool, out io.Writer) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	olderThan := cfg.StaleClaimAfter
	if olderThanFlag > 0 {
		olderThan = olderThanFlag
	}
	if olderThan <= 0 {
		return errors.New("-older-than must be positive")
	}

	logger := infra.NewLogger("cli").With().Str("cmd", "stalejobs").Logger()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := repo.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	jobs, err := store.ListStaleClaims(ctx, olderThan)
	if err != nil {
		return fmt.Errorf("failed to list stale claims: %w", err)
	}
	return report(out, staleJobs(jobs, time.Now()), olderThan, jsonOut)
}

func staleJobs(jobs []domain.Job, now time.Time) []staleJob {
	stale := make([]staleJob, 0, len(jobs))
	for _, j := range jobs {
		age := "unknown"
		if j.ClaimedAt != nil {
			age = now.Sub(*j.ClaimedAt).Truncate(time.Second).String()
		}
		stale = append(stale, staleJob{ID: j.ID, OwnerID: j.OwnerID, ClaimedBy: j.ClaimedBy, ClaimedAt: j.ClaimedAt, Age: age})
	}
	return stale
}

func report(out io.Writer, stale []staleJob, olderThan time.Duration, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		for _, s := range stale {
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}
	if len(stale) == 0 {
		_, err := fmt.Fprintf(out, "no claims older than %s\n", olderThan)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tOWNER\tWORKER\tAGE")
	for _, s := range stale {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.OwnerID, s.ClaimedBy, s.Age)
	}
	return tw.Flush()
}
