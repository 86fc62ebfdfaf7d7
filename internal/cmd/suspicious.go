package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var suspiciousCmd = &cobra.Command{
	Use:   "suspicious",
	Short: "Inspect IPs flagged by the anomaly detector",
}

var suspiciousListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List flagged IPs and their reasons",
	Args:    cobra.NoArgs,
	RunE:    runSuspiciousList,
}

func init() {
	rootCmd.AddCommand(suspiciousCmd)
	suspiciousCmd.AddCommand(suspiciousListCmd)
}

func runSuspiciousList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	flags, err := st.ListSuspicious(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list suspicious IPs: %w", err)
	}
	if len(flags) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No suspicious IPs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tREASON\tFIRST FLAGGED")
	for _, f := range flags {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.IPAddress, f.Reason, f.FirstFlagged.Format(time.RFC3339))
	}
	return w.Flush()
}
