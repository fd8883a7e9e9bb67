package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds overrides for the serve command. Empty values defer to
// the config file and then the built-in defaults.
type ServeFlags struct {
	ServerURL string
	DataDir   string
	LogLevel  string
}

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "uda-agent",
		Short: "Deployment agent for pushing and supervising vehicle apps",
		Long: "uda-agent connects to a kit server, receives Python application\n" +
			"deployments, runs them as supervised processes, and streams their\n" +
			"output and lifecycle state back over the same channel.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "",
		"path to TOML config file")

	root.AddCommand(buildServeCmd(gf))
	root.AddCommand(buildVersionCmd())
	return root
}
