package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"botfleet/internal/config"

	"github.com/spf13/cobra"
)

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: data directory → reasoning service → API → save config",
		Long:  "Guides you through the data directory, credential encryption, reasoning service URL, and API settings. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" && def != "" {
			return def, nil
		}
		return s, nil
	}

	// Step 1: Data directory
	fmt.Println("\n--- Step 1: Data directory ---")
	fmt.Fprint(os.Stdout, "Directory for databases and keys")
	dataDir, err := prompt(config.DefaultConfigDir())
	if err != nil {
		return err
	}
	dataDir = config.ExpandPath(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	cfg.Registry.DBPath = filepath.Join(dataDir, "registry.db")
	if len(cfg.DeadLetter.Brokers) == 0 {
		cfg.DeadLetter.DBPath = filepath.Join(dataDir, "deadletter.db")
	}
	fmt.Fprintf(os.Stdout, "  Using data directory: %s\n", dataDir)

	// Step 2: Credential encryption
	fmt.Println("\n--- Step 2: Credential encryption ---")
	fmt.Fprint(os.Stdout, "Encrypt bot tokens at rest? (y/n)")
	encrypt, err := prompt("y")
	if err != nil {
		return err
	}
	if encrypt == "y" || encrypt == "yes" {
		cfg.Registry.MasterKey = ""
		cfg.Registry.MasterKeyFile = filepath.Join(dataDir, "master.key")
		fmt.Fprintf(os.Stdout, "  Key file: %s (generated on first start)\n", cfg.Registry.MasterKeyFile)
	} else {
		cfg.Registry.MasterKey = ""
		cfg.Registry.MasterKeyFile = ""
		fmt.Fprintln(os.Stdout, "  Credentials will be stored in plaintext")
	}

	// Step 3: Reasoning service
	fmt.Println("\n--- Step 3: Reasoning service ---")
	fmt.Fprint(os.Stdout, "Base URL of the reasoning service")
	baseURL, err := prompt(cfg.Reasoning.BaseURL)
	if err != nil {
		return err
	}
	cfg.Reasoning.BaseURL = baseURL

	// Step 4: Management API
	fmt.Println("\n--- Step 4: Management API ---")
	fmt.Fprint(os.Stdout, "Listen host")
	host, err := prompt(cfg.API.Host)
	if err != nil {
		return err
	}
	cfg.API.Host = host

	fmt.Fprint(os.Stdout, "Listen port")
	portStr, err := prompt(strconv.Itoa(cfg.API.Port))
	if err != nil {
		return err
	}
	if port, err := strconv.Atoi(portStr); err == nil {
		cfg.API.Port = port
	}

	fmt.Fprint(os.Stdout, "Auth token for management routes (empty leaves them open)")
	token, err := prompt(cfg.API.AuthToken)
	if err != nil {
		return err
	}
	cfg.API.AuthToken = token
	if token == "" {
		fmt.Fprintln(os.Stdout, "  No auth token, management routes are open")
	}

	fmt.Fprint(os.Stdout, "Public webhook base URL (required for Telegram, empty to skip)")
	webhookURL, err := prompt(cfg.API.WebhookBaseURL)
	if err != nil {
		return err
	}
	cfg.API.WebhookBaseURL = webhookURL
	if webhookURL == "" {
		fmt.Fprintln(os.Stdout, "  No webhook URL, only Discord bindings will connect")
	}

	// Save
	cfgDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'botfleet doctor' to verify, then 'botfleet serve' to start the fleet.")
	return nil
}
