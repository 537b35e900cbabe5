package cli

import (
	"fmt"
	"os"

	"postflow/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "postflow",
	Short: "Rule-driven automations for posts",
	Long: `postflow evaluates automations against posts: realtime triggers fire on
post and field changes, scheduled triggers scan date fields on a timer.

Run the HTTP server with "postflow run", or drive single passes from cron
with "postflow schedule".`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home + "/.postflow")
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults and environment apply
		} else {
			fmt.Println("Error reading config file:", err)
		}
	}
}
