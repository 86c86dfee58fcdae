// Command scpsim runs an in-process network of SCP nodes and drives them
// through a number of consensus slots. Every node runs the full engine; the
// simulator plays the role of the transport, the timer service and the
// application, and checks that all nodes externalize the same value for
// every slot.
package main

import (
	"fmt"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scplab/scp/internal/profiling"
	"github.com/scplab/scp/logging"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "scpsim",
		Short: "Simulate a federated network of SCP nodes.",
		Long: `scpsim runs a configurable number of SCP nodes in one process,
delivering envelopes between them through an event loop, and reports the
value each slot externalizes. All nodes share a flat quorum set; the run
fails if any two nodes decide differently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation()
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.scpsim.yaml)")
	rootCmd.Flags().Int("nodes", 5, "number of nodes in the network")
	rootCmd.Flags().Int("slots", 3, "number of slots to decide")
	rootCmd.Flags().Uint32("threshold", 0, "quorum threshold (default 2n/3+1)")
	rootCmd.Flags().Float64("rate", 10, "maximum slot starts per second")
	rootCmd.Flags().Duration("slot-timeout", 10*time.Second, "give up on a slot after this long")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("cpu-profile", "", "write a CPU profile to the given file")
	rootCmd.Flags().String("mem-profile", "", "write a memory profile to the given file")
	rootCmd.Flags().String("trace", "", "write an execution trace to the given file")
	rootCmd.Flags().String("fgprof-profile", "", "write an fgprof profile to the given file")

	if err := viper.BindPFlags(rootCmd.Flags()); err != nil {
		panic(err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".scpsim")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func runSimulation() (err error) {
	logging.SetLogLevel(viper.GetString("log-level"))

	stopProfilers, err := profiling.StartProfilers(
		viper.GetString("cpu-profile"),
		viper.GetString("mem-profile"),
		viper.GetString("trace"),
		viper.GetString("fgprof-profile"),
	)
	if err != nil {
		return err
	}
	defer func() {
		if perr := stopProfilers(); perr != nil && err == nil {
			err = perr
		}
	}()

	cfg := simConfig{
		Nodes:       viper.GetInt("nodes"),
		Slots:       viper.GetInt("slots"),
		Threshold:   viper.GetUint32("threshold"),
		Rate:        viper.GetFloat64("rate"),
		SlotTimeout: viper.GetDuration("slot-timeout"),
	}
	sim, err := newSimulation(cfg)
	if err != nil {
		return err
	}
	return sim.run()
}
