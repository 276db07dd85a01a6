package main

import (
	"fmt"
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/levyvahti/pkg/lvserver"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     os.Args[0],
		Short:   "Disk health monitor with ghost drive detection",
		Version: dynversion.Version,
	}

	rootCmd.AddCommand(lvserver.Entrypoint())
	rootCmd.AddCommand(checkEntrypoint())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
