package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	peekAddr  string
	peekFrom  string
	peekLimit int
	peekRaw   bool
)

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show pending WAL rows without consuming the slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		q := url.Values{}
		if peekFrom != "" {
			q.Set("from_lsn", peekFrom)
		}
		q.Set("limit", strconv.Itoa(peekLimit))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			peekAddr+"/api/replication/peek?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var failure struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&failure)
			return fmt.Errorf("peek failed: %s", failure.Error)
		}

		var page struct {
			Changes []struct {
				LSN  string `json:"lsn"`
				XID  uint32 `json:"xid"`
				Data string `json:"data"`
			} `json:"changes"`
			HasMore bool   `json:"has_more"`
			NextLSN string `json:"next_lsn"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return fmt.Errorf("decode peek response: %w", err)
		}

		if len(page.Changes) == 0 {
			fmt.Println("No pending changes.")
			return nil
		}

		for _, rec := range page.Changes {
			if peekRaw {
				fmt.Printf("%s\txid=%d\t%s\n", rec.LSN, rec.XID, rec.Data)
				continue
			}
			data := rec.Data
			if len(data) > 120 {
				data = data[:117] + "..."
			}
			fmt.Printf("%-12s xid=%-8d %s\n", rec.LSN, rec.XID, data)
		}
		if page.HasMore {
			fmt.Printf("\nMore pending; continue with --from-lsn %s\n", page.NextLSN)
		}
		return nil
	},
}

func init() {
	peekCmd.Flags().StringVar(&peekAddr, "addr", "http://127.0.0.1:8640", "walfeed API address")
	peekCmd.Flags().StringVar(&peekFrom, "from-lsn", "", "Start after this LSN (default: beginning of the slot)")
	peekCmd.Flags().IntVar(&peekLimit, "limit", 50, "Maximum rows to show (capped at 1000 by the server)")
	peekCmd.Flags().BoolVar(&peekRaw, "raw", false, "Print untruncated wal2json payloads")
	rootCmd.AddCommand(peekCmd)
}
