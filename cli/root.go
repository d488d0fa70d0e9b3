package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose  bool
	plain    bool
	relayURL string
	discover bool
)

var rootCmd = &cobra.Command{
	Use:           "flashtransfer",
	Short:         "Share files directly between two devices using a short code",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "print progress as plain lines instead of the interactive view")
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "signaling relay URL (default from config)")
	rootCmd.PersistentFlags().BoolVar(&discover, "discover", false, "look for a relay on the local network")
}

// newLogger builds a production logger at level, or a development logger
// when --verbose is set.
func newLogger(level zapcore.Level) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
