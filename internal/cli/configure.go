package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/taskpilot/internal/config"
)

var (
	configureProvider string
	configureAPIKey   string
	configureModel    string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the taskpilot configuration file",
	Long: `Write the taskpilot configuration file with an AI provider profile.
Existing settings in the file are preserved unless overridden by flags.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "anthropic", "AI provider (anthropic, openai)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "API key for the provider")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "model to use")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	if configureAPIKey == "" {
		return fmt.Errorf("--api-key is required")
	}

	loader := config.NewLoader(cfgFile)

	// Start from the existing config when one is present
	cfg, err := loader.Load()
	if err != nil {
		cfg = config.DefaultConfig()
	}

	if configureModel != "" {
		cfg.AI.Model = configureModel
	}

	profile := config.AIProfile{
		ID:       configureProvider,
		Provider: configureProvider,
		APIKey:   configureAPIKey,
		Priority: len(cfg.AI.Profiles),
	}

	// Replace an existing profile for the same provider
	replaced := false
	for i := range cfg.AI.Profiles {
		if cfg.AI.Profiles[i].Provider == configureProvider {
			profile.Priority = cfg.AI.Profiles[i].Priority
			cfg.AI.Profiles[i] = profile
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.AI.Profiles = append(cfg.AI.Profiles, profile)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	configPath, err := loader.GetConfigPath()
	if err != nil {
		return err
	}

	cmd.Printf("Configuration saved to: %s\n", configPath)
	cmd.Println("You can now start taskpilot with: taskpilot serve")

	return nil
}
