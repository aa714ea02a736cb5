package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/credential"
)

var (
	credentialStorePath string
	credentialPassphrase string
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage stored upstream credentials",
	Long: `Manage the bridge's encrypted upstream credential store.

The store's AES-256-GCM key is derived from MCP_BRIDGE_MASTER_KEY (a 64-char
hex string) if set, otherwise from --passphrase via Argon2id using a salt
file persisted alongside the store.`,
}

func init() {
	credentialCmd.PersistentFlags().StringVar(&credentialStorePath, "store", "credentials.json", "path to the encrypted credential store")
	credentialCmd.PersistentFlags().StringVar(&credentialPassphrase, "passphrase", "", "passphrase to derive the store key from (ignored if MCP_BRIDGE_MASTER_KEY is set)")

	credentialCmd.AddCommand(credentialSetCmd, credentialGetCmd, credentialDeleteCmd, credentialListCmd)
	rootCmd.AddCommand(credentialCmd)
}

func openCredentialStore() (*credential.Store, error) {
	if key, ok, err := credential.MasterKeyFromEnv(); err != nil {
		return nil, err
	} else if ok {
		return credential.Open(credentialStorePath, key), nil
	}
	if credentialPassphrase == "" {
		return nil, fmt.Errorf("set MCP_BRIDGE_MASTER_KEY or pass --passphrase")
	}
	key, err := credential.DeriveKey(credentialPassphrase, credentialStorePath)
	if err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return credential.Open(credentialStorePath, key), nil
}

var (
	credentialSetKind         string
	credentialSetToken        string
	credentialSetClientID     string
	credentialSetClientSecret string
	credentialSetTokenURL     string
	credentialSetScopes       string
)

var credentialSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store (or replace) a credential under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredentialStore()
		if err != nil {
			return err
		}
		kind := credential.KindBearer
		if credentialSetKind == string(credential.KindOAuth2) {
			kind = credential.KindOAuth2
		}
		var scopes []string
		if credentialSetScopes != "" {
			scopes = strings.Split(credentialSetScopes, ",")
		}
		cred := credential.Credential{
			Kind:         kind,
			Token:        credentialSetToken,
			ClientID:     credentialSetClientID,
			ClientSecret: credentialSetClientSecret,
			TokenURL:     credentialSetTokenURL,
			Scopes:       scopes,
		}
		if err := store.Set(args[0], cred); err != nil {
			return fmt.Errorf("storing credential: %w", err)
		}
		fmt.Printf("stored credential %q\n", args[0])
		return nil
	},
}

var credentialGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored credential as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredentialStore()
		if err != nil {
			return err
		}
		cred, err := store.Get(args[0])
		if err != nil {
			return fmt.Errorf("retrieving credential: %w", err)
		}
		encoded, err := json.MarshalIndent(cred, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(encoded))
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredentialStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return fmt.Errorf("deleting credential: %w", err)
		}
		fmt.Printf("deleted credential %q\n", args[0])
		return nil
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credential keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCredentialStore()
		if err != nil {
			return err
		}
		keys, err := store.List()
		if err != nil {
			return fmt.Errorf("listing credentials: %w", err)
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

func init() {
	credentialSetCmd.Flags().StringVar(&credentialSetKind, "kind", string(credential.KindBearer), "credential kind: bearer or oauth2")
	credentialSetCmd.Flags().StringVar(&credentialSetToken, "token", "", "bearer token")
	credentialSetCmd.Flags().StringVar(&credentialSetClientID, "client-id", "", "OAuth2 client ID")
	credentialSetCmd.Flags().StringVar(&credentialSetClientSecret, "client-secret", "", "OAuth2 client secret")
	credentialSetCmd.Flags().StringVar(&credentialSetTokenURL, "token-url", "", "OAuth2 token endpoint")
	credentialSetCmd.Flags().StringVar(&credentialSetScopes, "scopes", "", "comma-separated OAuth2 scopes")
}
