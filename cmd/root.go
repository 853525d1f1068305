package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	relay "github.com/peerchat/peerchat/pkg"
	"github.com/peerchat/peerchat/pkg/logger"
)

var (
	// Used for flags.
	cfgFile   string
	verbosity int
	conf      = relay.RootConfig{}

	rootCmd = &cobra.Command{
		Use:   "peerchat",
		Short: "peerchat is a relay-brokered two-party encrypted chat",
		Long:  `Run the signaling relay or join a room as a chat participant.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.peerchat.toml)")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "log verbosity")
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	logger.SetVerbosity(verbosity)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("toml")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".peerchat")
		viper.SetConfigType("toml")
	}
	viper.SetEnvPrefix("peerchat")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	if err := viper.GetViper().Unmarshal(&conf); err != nil {
		fmt.Fprintf(os.Stderr, "config file %s failed to load: %v\n", cfgFile, err)
		os.Exit(1)
	}
}
