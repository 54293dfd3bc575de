package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relayhq/relay/pkg/auth"
)

func newSetupCmd() *cobra.Command {
	var writeEnv bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate a relay API key",
		Long: `Generate a relay API key and the argon2id hash the server verifies it with.

The plaintext key is printed once. Give it to MCP clients as a Bearer token;
only the hash is stored in configuration.`,
		Example: `  relay setup               # print the key and the env line
  relay setup --write-env   # also write a starter .env (refuses to overwrite)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			envPath := ""
			if writeEnv {
				envPath = ".env"
			}
			return runSetup(cmd.OutOrStdout(), envPath)
		},
	}

	cmd.Flags().BoolVar(&writeEnv, "write-env", false, "write a starter .env file")
	return cmd
}

// runSetup generates a key, prints it, and writes envPath when non-empty.
func runSetup(out io.Writer, envPath string) error {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return fmt.Errorf("%s already exists; remove it first or run setup without --write-env", envPath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	key, err := auth.GenerateRelayKey()
	if err != nil {
		return fmt.Errorf("generating relay key: %w", err)
	}

	fmt.Fprintln(out, "# Relay API key. SAVE IT NOW, it will not be shown again:")
	fmt.Fprintf(out, "#   %s\n", key.Key)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "RELAY_API_KEY_HASH='%s'\n", key.Hash)

	if envPath == "" {
		return nil
	}

	if err := os.WriteFile(envPath, []byte(envTemplate(key.Hash)), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", envPath, err)
	}
	fmt.Fprintf(out, "\nWrote %s\n", envPath)
	return nil
}

func envTemplate(hash string) string {
	var b strings.Builder
	b.WriteString("# relay configuration (generated by relay setup)\n")
	b.WriteString("RELAY_PORT=8080\n")
	b.WriteString("# RELAY_PUBLIC_URL=https://relay.example.com\n")
	b.WriteString("# RELAY_REDIS_URL=redis://localhost:6379\n")
	b.WriteString("RELAY_REPLAY_TTL_MS=20000\n")
	b.WriteString("RELAY_MAX_INFLIGHT_WAIT_MS=30000\n")
	fmt.Fprintf(&b, "RELAY_API_KEY_HASH='%s'\n", hash)
	b.WriteString("# RELAY_IMAGE_API_URL=https://api.openai.com\n")
	b.WriteString("# RELAY_IMAGE_API_KEY=\n")
	b.WriteString("# RELAY_GITHUB_CLIENT_ID=\n")
	b.WriteString("# RELAY_GITHUB_CLIENT_SECRET=\n")
	return b.String()
}
