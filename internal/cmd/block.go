package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/blocklist"
	"github.com/inercia/edgeguard/internal/fileutil"
)

var (
	blockReason string
	blockOutput string
)

var blockCmd = &cobra.Command{
	Use:   "block",
	Short: "Administer the IP blocklist",
	Long: `Add, remove and list blocked IP addresses in the configured store.

Changes take effect on running servers after their blocklist cache TTL.`,
}

var blockAddCmd = &cobra.Command{
	Use:   "add IP [IP...]",
	Short: "Block one or more IPs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBlockAdd,
}

var blockRemoveCmd = &cobra.Command{
	Use:     "remove IP [IP...]",
	Aliases: []string{"rm"},
	Short:   "Unblock one or more IPs",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runBlockRemove,
}

var blockListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List blocked IPs",
	Args:    cobra.NoArgs,
	RunE:    runBlockList,
}

var blockExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export blocked IPs in blocklist file format",
	Long: `Print the blocked IPs one per line, or write them atomically to a file.

The output can seed the watched blocklist file on another instance.`,
	Args: cobra.NoArgs,
	RunE: runBlockExport,
}

func init() {
	rootCmd.AddCommand(blockCmd)
	blockCmd.AddCommand(blockAddCmd, blockRemoveCmd, blockListCmd, blockExportCmd)

	blockAddCmd.Flags().StringVarP(&blockReason, "reason", "r", "manual", "Reason stored with the block")
	blockExportCmd.Flags().StringVarP(&blockOutput, "output", "o", "", "File to write (default: stdout)")
}

func openBlocklist() (*blocklist.Blocklist, func() error, error) {
	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return blocklist.New(st, cfg.Blocklist), st.Close, nil
}

func runBlockAdd(cmd *cobra.Command, args []string) error {
	bl, closeFn, err := openBlocklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := commandContext(cmd)
	for _, ip := range args {
		if err := bl.Add(ctx, ip, blockReason); err != nil {
			return fmt.Errorf("failed to block %s: %w", ip, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", ip)
	}
	return nil
}

func runBlockRemove(cmd *cobra.Command, args []string) error {
	bl, closeFn, err := openBlocklist()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := commandContext(cmd)
	for _, ip := range args {
		if err := bl.Remove(ctx, ip); err != nil {
			return fmt.Errorf("failed to unblock %s: %w", ip, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", ip)
	}
	return nil
}

func runBlockList(cmd *cobra.Command, args []string) error {
	bl, closeFn, err := openBlocklist()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := bl.List(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list blocked IPs: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No blocked IPs.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tREASON\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.IPAddress, e.Reason, e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runBlockExport(cmd *cobra.Command, args []string) error {
	bl, closeFn, err := openBlocklist()
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := bl.List(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list blocked IPs: %w", err)
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.IPAddress)
	}

	if blockOutput == "" {
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return nil
	}
	if err := fileutil.WriteLinesAtomic(blockOutput, lines, 0644); err != nil {
		return fmt.Errorf("failed to export blocklist: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d IPs to %s\n", len(lines), blockOutput)
	return nil
}
