package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/detector"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run the anomaly detector once",
	Long: `Analyze the request log over the configured window, ending now, and flag
IPs by request volume and by sensitive path access.

Use this from cron when the detector should not run inside the server.`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	d := detector.New(st, st, cfg.Detector)
	rep, err := d.Analyze(commandContext(cmd), time.Now())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Window:        %s .. %s\n", rep.Since.Format(time.RFC3339), rep.Until.Format(time.RFC3339))
	fmt.Fprintf(out, "High volume:   %d\n", len(rep.Volume))
	for _, ip := range rep.Volume {
		fmt.Fprintf(out, "  %s\n", ip)
	}
	fmt.Fprintf(out, "Sensitive:     %d\n", len(rep.Sensitive))
	for _, ip := range rep.Sensitive {
		fmt.Fprintf(out, "  %s\n", ip)
	}
	fmt.Fprintf(out, "New flags:     %d\n", rep.NewFlags)

	if err != nil {
		return fmt.Errorf("detector run incomplete: %w", err)
	}
	return nil
}
