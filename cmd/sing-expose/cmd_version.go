package main

import (
	"os"
	"runtime"

	C "github.com/sagernet/sing-expose/constant"
	F "github.com/sagernet/sing/common/format"

	"github.com/spf13/cobra"
)

var commandVersion = &cobra.Command{
	Use:   "version",
	Short: "Print current version of sing-expose",
	Run:   printVersion,
	Args:  cobra.NoArgs,
}

var nameOnly bool

func init() {
	commandVersion.Flags().BoolVarP(&nameOnly, "name", "n", false, "print version name only")
	mainCommand.AddCommand(commandVersion)
}

func printVersion(cmd *cobra.Command, args []string) {
	var version string
	if !nameOnly {
		version = "sing-expose "
	}
	version += F.ToString(C.Version)
	if C.Commit != "" {
		version += "." + C.Commit
	}
	if !nameOnly {
		version += " ("
		version += runtime.Version()
		version += ", "
		version += runtime.GOOS
		version += ", "
		version += runtime.GOARCH
		version += ")"
	}
	version += "\n"
	os.Stdout.WriteString(version)
}
