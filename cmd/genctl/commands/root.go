package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"genjob-orchestrator/internal/client"
)

// flag names
const (
	flagServerAddress = "server-address"
	flagLogLevel      = "log-level"
)

const envServerAddress = "GENJOB_API_URL"

const defaultServerAddress = "http://localhost:8080"

var (
	apiClient     *client.Client
	serverAddress string
	logLevel      string
)

// RootCmd is the genctl entry point.
var RootCmd = &cobra.Command{
	Use:   "genctl",
	Short: "Submit and follow image generation jobs",
	Long: `genctl talks to the generation API: submit a portrait, check on it, wait for
the result, or run the whole job in one call.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		_ = godotenv.Load()
		if !cmd.Flags().Changed(flagServerAddress) {
			if env := os.Getenv(envServerAddress); env != "" {
				serverAddress = env
			}
		}
		if serverAddress == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		apiClient = client.New(serverAddress, nil)
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", defaultServerAddress, "Address of the generation API (env: "+envServerAddress+")")
	RootCmd.PersistentFlags().StringVar(&logLevel, flagLogLevel, "warn", "Log level for progress output on stderr")

	RootCmd.AddCommand(newSubmitCmd())
	RootCmd.AddCommand(newStatusCmd())
	RootCmd.AddCommand(newWaitCmd())
	RootCmd.AddCommand(newRunCmd())
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}
