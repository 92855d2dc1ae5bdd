package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibestack/walfeed/internal/metrics"
	"github.com/vibestack/walfeed/internal/tui"
)

var (
	statusAddr  string
	statusWatch bool
)

// statusResponse mirrors the status endpoint's JSON shape.
type statusResponse struct {
	Slot struct {
		Name   string `json:"name"`
		Status struct {
			Exists            bool   `json:"exists"`
			Active            bool   `json:"active"`
			ConfirmedFlushLSN string `json:"confirmed_flush_lsn"`
		} `json:"status"`
	} `json:"slot"`
	Phase   string           `json:"phase"`
	Metrics metrics.Snapshot `json:"metrics"`
}

func fetchStatus(ctx context.Context, addr string) (statusResponse, error) {
	var out statusResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/replication/status", nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show slot position, pipeline counters, and client delivery stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusWatch {
			return tui.Run(func(ctx context.Context) (metrics.Snapshot, error) {
				res, err := fetchStatus(ctx, statusAddr)
				if err != nil {
					return metrics.Snapshot{}, err
				}
				return res.Metrics, nil
			})
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		res, err := fetchStatus(ctx, statusAddr)
		if err != nil {
			fmt.Println("Could not reach walfeed. Is the service running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}
		snap := res.Metrics

		fmt.Printf("Slot:          %s", res.Slot.Name)
		if !res.Slot.Status.Exists {
			fmt.Print("  (missing!)")
		}
		fmt.Println()
		fmt.Printf("Phase:         %s\n", res.Phase)
		fmt.Printf("Confirmed LSN: %s\n", snap.ConfirmedLSN)
		fmt.Printf("Flush LSN:     %s\n", snap.SlotFlushLSN)
		fmt.Printf("Lag:           %s\n", snap.LagFormatted)
		fmt.Printf("Polls:         %d (%d empty, %d skipped)\n", snap.Polls, snap.EmptyPolls, snap.SkippedTicks)
		fmt.Printf("Changes:       %d emitted, %d stored, %.1f/s\n", snap.ChangesEmitted, snap.HistoryRows, snap.ChangesPerSec)
		fmt.Printf("Notify:        %d notified, %d failed, %d suppressed\n",
			snap.Notify.Notified, snap.Notify.Failed, snap.Notify.Skipped)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:        %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.FilterReasons) > 0 {
			fmt.Println("\nFiltered WAL entries:")
			for reason, n := range snap.FilterReasons {
				fmt.Printf("  %-28s %d\n", reason, n)
			}
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8640", "walfeed API address")
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Live dashboard instead of a one-shot report")
	rootCmd.AddCommand(statusCmd)
}
