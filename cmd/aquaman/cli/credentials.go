package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tech4242/aquaman/internal/store"
)

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"creds"},
	Short:   "Manage stored credentials",
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add <service> <key> [value]",
	Short: "Store a credential",
	Long: `Stores a credential for a service. When the value is omitted it is
read from stdin (hidden when stdin is a terminal), so secrets stay out
of shell history.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}

		value := ""
		if len(args) == 3 {
			value = args[2]
		} else {
			value, err = readSecret(fmt.Sprintf("Value for %s/%s: ", args[0], args[1]))
			if err != nil {
				return err
			}
		}
		if value == "" {
			return fmt.Errorf("empty credential value")
		}

		meta := &store.Metadata{Source: "cli", CreatedAt: time.Now().UTC()}
		if err := st.Set(cmd.Context(), args[0], args[1], value, meta); err != nil {
			return err
		}
		cmd.Printf("Stored %s/%s\n", args[0], args[1])
		return nil
	},
}

var credentialsGetCmd = &cobra.Command{
	Use:   "get <service> <key>",
	Short: "Print a stored credential value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		value, err := st.Get(cmd.Context(), args[0], args[1])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no credential stored for %s/%s", args[0], args[1])
		}
		if err != nil {
			return err
		}
		cmd.Println(value)
		return nil
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list [service]",
	Short: "List stored credentials (names only, never values)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		svc := ""
		if len(args) == 1 {
			svc = args[0]
		}
		refs, err := st.List(cmd.Context(), svc)
		if err != nil {
			return err
		}

		if jsonOut {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(refs)
		}
		if len(refs) == 0 {
			cmd.Println("No credentials stored.")
			return nil
		}
		for _, ref := range refs {
			cmd.Println(ref.String())
		}
		return nil
	},
}

var credentialsRemoveCmd = &cobra.Command{
	Use:     "remove <service> <key>",
	Aliases: []string{"rm"},
	Short:   "Delete a stored credential",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		removed, err := st.Delete(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no credential stored for %s/%s", args[0], args[1])
		}
		cmd.Printf("Removed %s/%s\n", args[0], args[1])
		return nil
	},
}

// openStore opens the backend selected by the config file.
func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cmd.Context(), store.Options{
		Backend:          cfg.Store.Backend,
		Path:             cfg.Store.Path,
		Passphrase:       cfg.Store.Passphrase,
		OnePasswordVault: cfg.Store.OnePasswordVault,
		Vault: store.VaultOptions{
			Address:   cfg.Store.Vault.Address,
			Token:     cfg.Store.Vault.Token,
			Namespace: cfg.Store.Vault.Namespace,
			Mount:     cfg.Store.Vault.Mount,
			Prefix:    cfg.Store.Vault.Prefix,
		},
	})
}

// readSecret reads a value from stdin, hiding input on a terminal.
func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func init() {
	credentialsCmd.AddCommand(credentialsAddCmd)
	credentialsCmd.AddCommand(credentialsGetCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
	rootCmd.AddCommand(credentialsCmd)
}
