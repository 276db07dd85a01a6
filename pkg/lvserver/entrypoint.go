package lvserver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/function61/levyvahti/pkg/logtee"
	"github.com/spf13/cobra"
)

// CLI wrapper exit codes
const (
	ExitConfigError  = 2
	ExitRootRequired = 3
	ExitNoSmartctl   = 4
)

func Entrypoint() *cobra.Command {
	addr := ":8620"
	stateDir := "/var/lib/levyvahti"

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the disk health monitor daemon",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logTail := logtee.NewTail(100)

			// writes end up on stderr as usual, and the tail serves /api/logs
			rootLogger := logex.StandardLoggerTo(logtee.Writer(os.Stderr, logTail))

			if os.Geteuid() != 0 {
				fmt.Fprintln(os.Stderr, "root privileges required (SMART reads need raw device access)")
				os.Exit(ExitRootRequired)
			}

			if _, err := exec.LookPath("smartctl"); err != nil {
				fmt.Fprintln(os.Stderr, "smartctl not found in PATH - install smartmontools")
				os.Exit(ExitNoSmartctl)
			}

			ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

			if err := runServer(ctx, addr, stateDir, rootLogger, logTail); err != nil {
				fmt.Fprintln(os.Stderr, err)

				startup := &StartupError{}
				if errors.As(err, &startup) {
					os.Exit(ExitConfigError)
				}
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "", addr, "Address to listen on")
	cmd.Flags().StringVarP(&stateDir, "state-dir", "", stateDir, "Directory for history and the lifecycle database")

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to start the daemon on boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"levyvahti",
				"Disk health monitor",
				systemdinstaller.Args("server"),
				systemdinstaller.Docs("https://github.com/function61/levyvahti"))

			if err := systemdinstaller.Install(serviceFile); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}
