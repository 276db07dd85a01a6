package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/levyvahti/pkg/lvserver"
	"github.com/function61/levyvahti/pkg/lvtypes"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func checkEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "One-shot health check of all attached storage devices",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if os.Geteuid() != 0 {
				fmt.Fprintln(os.Stderr, "root privileges required (SMART reads need raw device access)")
				os.Exit(lvserver.ExitRootRequired)
			}

			if _, err := exec.LookPath("smartctl"); err != nil {
				fmt.Fprintln(os.Stderr, "smartctl not found in PATH - install smartmontools")
				os.Exit(lvserver.ExitNoSmartctl)
			}

			rootLogger := logex.StandardLogger()
			ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

			records := lvserver.CheckHealthOnce(ctx, rootLogger)

			renderHealthTable(os.Stdout, records, isatty.IsTerminal(os.Stdout.Fd()))
		},
	}
}

func renderHealthTable(out io.Writer, records []lvtypes.DeviceRecord, interactive bool) {
	tbl := tablewriter.NewWriter(out)
	tbl.SetHeader([]string{"Device", "Model", "Serial", "Capacity", "Score", "Health", "GDC", "Decision"})
	tbl.SetAutoFormatHeaders(false)

	if !interactive { // piped output: keep it grep-friendly
		tbl.SetBorder(false)
		tbl.SetColumnSeparator("\t")
	}

	for _, rec := range records {
		score := strconv.Itoa(rec.HealthScore)
		if rec.HealthState == lvtypes.HealthStateUnknown {
			score = "-"
		}

		decisionCell := "-"
		if rec.Decision != nil {
			decisionCell = string(rec.Decision.Status)
			if len(rec.Decision.Reasons) > 0 {
				decisionCell += ": " + strings.Join(rec.Decision.Reasons, "; ")
			}
		}

		tbl.Append([]string{
			rec.OsName,
			rec.Identity.Model,
			rec.Identity.Serial,
			humanize.IBytes(rec.CapacityBytes),
			score,
			string(rec.HealthState),
			string(rec.GdcState),
			decisionCell,
		})
	}

	tbl.Render()
}
