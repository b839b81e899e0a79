package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go2tv.app/avsession/internal/buildinfo"
)

const serverName = "avsession"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "avsession",
	Short: "Media session broker",
	Long: `avsession tracks the media sessions of local applications, routes control
commands to them and hands playback off to Chromecast and DLNA renderers.
It speaks MCP over stdio.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker on stdio (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var selfTestCmd = &cobra.Command{
	Use:   "self-test",
	Short: "Run wiring diagnostics then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSelfTest(cmd.Context(), cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/avsession/avsession.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selfTestCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
