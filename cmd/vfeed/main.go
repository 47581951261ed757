// Command vfeed runs the JSON-to-Arrow-to-Pulsar ingest pipeline and its
// microbenchmarks.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vfeed",
	Short: "Streaming JSON-to-Arrow-to-Pulsar ingest pipeline",
	Long: `vfeed ingests newline-delimited JSON over TCP, converts it to Arrow
record batches (via a software parser or an emulated FPGA backend),
serializes the batches to Arrow IPC messages, and publishes them to
Apache Pulsar.

Environment Variables:
  VFEED_*   overrides any flag, e.g. VFEED_PORT, VFEED_PUBLISH_URL`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: vfeed.yaml in $HOME or the working directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log the effective configuration and config-file resolution")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("vfeed")
	}

	viper.SetEnvPrefix("VFEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
		}
	}
}

func main() {
	Execute()
}
