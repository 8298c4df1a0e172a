package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/relay/pkg/relay/config"
	"github.com/jholhewres/relay/pkg/relay/gateway"
)

// newSetupCmd creates the `relay setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through creating the initial config.yaml: assistant persona,
platform credentials, API key, and the optional gateway. The API key is
stored in the OS keyring when one is available, never in the file.

Examples:
  relay setup`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := config.DefaultConfig()

	var gatewayToken string
	enableGateway := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Assistant.Name),
			huh.NewText().
				Title("Identity (system prompt)").
				Value(&cfg.Assistant.Identity),
			huh.NewInput().
				Title("Command prefix").
				Value(&cfg.Assistant.CommandPrefix),
			huh.NewConfirm().
				Title("Respond without being mentioned?").
				Value(&cfg.Assistant.RespondWithoutMention),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token (empty to skip Discord)").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Discord.Token),
			huh.NewInput().
				Title("Model").
				Value(&cfg.API.Model),
			huh.NewInput().
				Title("API base URL").
				Value(&cfg.API.BaseURL),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the WebSocket gateway?").
				Value(&enableGateway),
			huh.NewInput().
				Title("Gateway token (empty to generate none)").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	apiKey, err := readSecret("API key (hidden input): ")
	if err != nil {
		return err
	}
	if apiKey != "" {
		if config.KeyringAvailable() {
			if err := config.StoreKeyring(config.KeyringAPIKey, apiKey); err != nil {
				return fmt.Errorf("storing API key in keyring: %w", err)
			}
			fmt.Println("API key stored in the OS keyring.")
		} else {
			fmt.Println("No OS keyring available. Export RELAY_API_KEY instead; the config file only carries the reference.")
		}
	}
	cfg.API.APIKey = "${RELAY_API_KEY}"

	cfg.Gateway.Enabled = enableGateway
	if enableGateway && gatewayToken != "" {
		hash, err := gateway.HashToken(gatewayToken)
		if err != nil {
			return fmt.Errorf("hashing gateway token: %w", err)
		}
		cfg.Gateway.TokenHash = hash
	}

	path := "config.yaml"
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s.\n", path)
	fmt.Println("Start the daemon with: relay serve")
	return nil
}

// readSecret reads a line without echo, falling back to plain stdin when not
// attached to a terminal (piped input, CI).
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}

	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}
