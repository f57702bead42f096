// Command loomctl is a small operator CLI over the loom runtime: run an
// ad-hoc task, benchmark one, fetch a URL, watch a path, or exercise the
// connection pool — useful for exploring the runtime from a shell.
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loomctl",
		Short:        "operate and exercise the loom cooperative runtime",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to a loomctl config file (yaml/json/toml)")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	root.PersistentFlags().Duration("io-wait-cap", 0, "cap on the loop's per-tick sleep budget (parsed, but not passed to the loops the subcommands create)")

	cobra.OnInitialize(func() {
		if cfgPath := viper.GetString("config"); cfgPath != "" {
			viper.SetConfigFile(cfgPath)
			_ = viper.ReadInConfig()
		}
		viper.SetEnvPrefix("LOOMCTL")
		viper.AutomaticEnv()
	})

	root.AddCommand(
		newRunCmd(),
		newBenchCmd(),
		newHTTPGetCmd(),
		newWatchCmd(),
		newPoolDemoCmd(),
	)
	return root
}

func printSuccess(format string, args ...any) {
	color.New(color.FgGreen).Printf(format+"\n", args...)
}

func printError(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
}
