package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goingest/pkg/decrypt"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect outstanding decrypt requests",
	Long: `Inspect the durable decrypt request table.

Encrypted files submitted for asynchronous decryption stay claimed until the
decrypt service calls back or the request expires. These commands read the
shared state database and never modify it.`,
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decrypt requests, newest first",
	RunE:  runRequestsList,
}

var requestsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count requests by status and age",
	RunE:  runRequestsStats,
}

func init() {
	rootCmd.AddCommand(requestsCmd)
	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsStatsCmd)

	requestsListCmd.Flags().String("agency", "", "Only requests for this agency")
	requestsListCmd.Flags().String("status", "", "Only requests with this status: pending, completed or failed")
	requestsListCmd.Flags().Int("limit", 50, "Maximum requests to show (0 = all)")
	requestsListCmd.Flags().Bool("json", false, "Output as JSON")
	requestsStatsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRequestsList(cmd *cobra.Command, _ []string) error {
	agency, _ := cmd.Flags().GetString("agency")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	st := decrypt.Status(strings.ToLower(strings.TrimSpace(status)))
	if st != "" && !st.Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status", fmt.Errorf("unknown status %q", status))
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	store, err := openRequestStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open state database", err)
	}
	defer func() { _ = store.Close() }()

	reqs, err := store.List(cmd.Context(), decrypt.ListFilter{
		Agency: strings.ToUpper(strings.TrimSpace(agency)),
		Status: st,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		if reqs == nil {
			reqs = []decrypt.Request{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reqs)
	}
	if len(reqs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No decrypt requests found")
		return nil
	}
	return writeRequestsTable(os.Stdout, reqs, time.Now().UTC())
}

func writeRequestsTable(out io.Writer, reqs []decrypt.Request, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REQUEST ID\tAGENCY\tSTATUS\tAGE\tFILE\tERROR")
	for _, r := range reqs {
		errMsg := r.Error
		if errMsg == "" {
			errMsg = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(r.RequestID),
			r.Agency,
			r.Status,
			now.Sub(r.SubmittedAt).Truncate(time.Second),
			r.SourcePath(),
			errMsg,
		)
	}
	return w.Flush()
}

func runRequestsStats(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	store, err := openRequestStore(cmd.Context(), cfg)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot open state database", err)
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(cmd.Context(), time.Now().UTC())
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	writeRequestStats(os.Stdout, stats)
	return nil
}

func writeRequestStats(w io.Writer, st decrypt.Stats) {
	_, _ = fmt.Fprintf(w, "total=%d\n", st.Total())
	_, _ = fmt.Fprintf(w, "pending=%d\n", st.Pending)
	_, _ = fmt.Fprintf(w, "resuming=%d\n", st.Resuming)
	_, _ = fmt.Fprintf(w, "completed=%d\n", st.Completed)
	_, _ = fmt.Fprintf(w, "failed=%d\n", st.Failed)
	_, _ = fmt.Fprintf(w, "pending_under_10m=%d\n", st.PendingAge.Under10m)
	_, _ = fmt.Fprintf(w, "pending_under_30m=%d\n", st.PendingAge.Under30m)
	_, _ = fmt.Fprintf(w, "pending_under_60m=%d\n", st.PendingAge.Under60m)
	_, _ = fmt.Fprintf(w, "pending_over_60m=%d\n", st.PendingAge.Over60m)
	_, _ = fmt.Fprintf(w, "oldest_pending=%s\n", formatOptionalTime(st.OldestPending))
}
