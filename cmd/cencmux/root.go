package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cryptorec/cencmux/config"
)

var (
	cfgFile string

	v = config.New()

	rootCmd = &cobra.Command{
		Use:   "cencmux",
		Short: "Encrypted MP4 recorder",
		Long: `cencmux muxes H.264 video and AAC audio into an MP4 file whose samples are
encrypted with the cenc (AES-CTR) scheme. It drives the same session the
native binding uses, and can inspect what it produced.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(v, cfgFile)
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default searches ./cencmux.yaml, $HOME/.cencmux, /etc/cencmux)")
	pf.String("log-level", "info", "Log level (disabled, error, warn, info, debug or trace)")
	bindFlag(v, config.KeyLogLevel, pf.Lookup("log-level"))

	rootCmd.AddCommand(NewMuxCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewKeygenCommand())
}

// bindFlag panics on a missing flag, which only a typo in this package causes.
func bindFlag(v *viper.Viper, key string, f *pflag.Flag) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
