package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tomer-shavit/molthub-sub010/pkg/secrets"
)

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage per-instance secrets",
		Long: `Manage the encrypted secret store: channel tokens, adapter API keys,
and the gateway channel credential. Values are encrypted at rest; only
key names are ever printed.`,
	}

	cmd.AddCommand(newSecretSetCommand())
	cmd.AddCommand(newSecretListCommand())
	cmd.AddCommand(newSecretDeleteCommand())

	return cmd
}

// openSecretStore builds the secret store without the rest of the app.
func openSecretStore() (*secrets.LocalStore, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("%s is not set", passphraseEnv)
	}
	return secrets.NewLocalStore(secrets.LocalConfig{
		Dir:        secretsDir,
		Passphrase: passphrase,
	}, zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
}

func newSecretSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <instance-id> <key>",
		Short: "Store a secret value",
		Long: `Store a secret value for an instance. The value is read from stdin so
it never appears in shell history or the process list.`,
		Example: `  # Store a Slack channel token
  echo -n "$SLACK_TOKEN" | molthub secret set inst-1 slack-token

  # Store the gateway channel credential
  echo -n "$TOKEN" | molthub secret set inst-1 gateway_token`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecretStore()
			if err != nil {
				return err
			}

			reader := bufio.NewReader(os.Stdin)
			value, err := reader.ReadString('\n')
			if err != nil && value == "" {
				return fmt.Errorf("failed to read secret value from stdin: %w", err)
			}
			value = strings.TrimRight(value, "\r\n")
			if value == "" {
				return fmt.Errorf("secret value is empty")
			}

			if err := store.Set(cmd.Context(), args[0], args[1], value); err != nil {
				return err
			}
			fmt.Printf("Stored secret %s for %s\n", args[1], args[0])
			return nil
		},
	}

	return cmd
}

func newSecretListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <instance-id>",
		Short: "List secret keys for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecretStore()
			if err != nil {
				return err
			}

			keys, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}

	return cmd
}

func newSecretDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <instance-id> <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSecretStore()
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted secret %s for %s\n", args[1], args[0])
			return nil
		},
	}

	return cmd
}
