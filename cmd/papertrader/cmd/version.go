package cmd

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/rustyeddy/papertrader/market"
	"github.com/spf13/cobra"
)

// version is overridden at link time:
//
//	go build -ldflags "-X github.com/rustyeddy/papertrader/cmd/papertrader/cmd.version=v0.4.0"
var version = "0.3.0"

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and build information",
	Long: `Display the papertrader version, the commit and Go toolchain it was
built from, and the exchanges this build can ingest.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, version)
			return
		}
		fmt.Fprintf(out, "papertrader version %s\n", version)
		if info, ok := debug.ReadBuildInfo(); ok {
			printBuildInfo(out, info)
		}
		names := make([]string, 0, len(market.Exchanges()))
		for _, ex := range market.Exchanges() {
			names = append(names, ex.String())
		}
		fmt.Fprintf(out, "  exchanges: %s\n", strings.Join(names, ", "))
	},
}

func printBuildInfo(w io.Writer, info *debug.BuildInfo) {
	fmt.Fprintf(w, "  go:        %s\n", info.GoVersion)
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	if rev := settings["vcs.revision"]; rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if settings["vcs.modified"] == "true" {
			rev += "-dirty"
		}
		fmt.Fprintf(w, "  commit:    %s\n", rev)
	}
	if at := settings["vcs.time"]; at != "" {
		fmt.Fprintf(w, "  built:     %s\n", at)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&versionShort, "short", "s", false, "print only the version")
}
