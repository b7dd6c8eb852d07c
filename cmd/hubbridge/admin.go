package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/store"
)

// CLI key purpose names, mapped to store purposes.
const (
	keyNameHubToken = "hub_token"
	keyNameJWT      = "jwt"
)

func newAdminCmd(configPath *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance operations against the store",
	}
	admin.AddCommand(newResetPasswordCmd(configPath))
	admin.AddCommand(newRotateKeyCmd(configPath))
	admin.AddCommand(newListUsersCmd(configPath))
	return admin
}

// withStore loads config, quiets logging to warnings so CLI output stays
// readable, and opens the store for the duration of fn.
func withStore(configPath string, fn func(ctx context.Context, cfg *config.Config, st *store.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logging.Setup("warn", cfg.LogFormat)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, cfg, st)
}

func newResetPasswordCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Set a temporary password for a user and revoke their sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				username := args[0]
				u, err := st.UserByUsername(ctx, username)
				if err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("user %q not found", username)
					}
					return err
				}

				password, err := generatePassword()
				if err != nil {
					return err
				}
				hash, err := crypto.HashPassword(password)
				if err != nil {
					return err
				}
				if err := st.SetPassword(ctx, u.ID, hash, true); err != nil {
					return err
				}
				if err := st.RevokeSessionsForUser(ctx, u.ID); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Temporary password for %s: %s\n", username, password)
				fmt.Fprintln(out, "It is shown once and must be changed on next login.")
				return nil
			})
		},
	}
}

func newRotateKeyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <hub_token|jwt>",
		Short: "Rotate a system key",
		Long: `Rotate a system key.

hub_token re-encrypts every stored hub credential under a fresh key.
jwt swaps the signing key; every outstanding login session is invalidated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*configPath, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				switch args[0] {
				case keyNameHubToken:
					return rotateHubTokenKey(ctx, cmd, st)
				case keyNameJWT:
					return rotateJWTKey(ctx, cmd, st)
				default:
					return fmt.Errorf("unknown key purpose %q (want %s or %s)",
						args[0], keyNameHubToken, keyNameJWT)
				}
			})
		},
	}
}

// rotateHubTokenKey re-encrypts all hub credentials under a fresh key, then
// activates it. The order matters: if re-encryption fails partway the old
// key is still active and every stored cipher still decrypts.
func rotateHubTokenKey(ctx context.Context, cmd *cobra.Command, st *store.Store) error {
	saltStr, err := st.MetaValue(ctx, store.MetaInstallSalt)
	if err != nil {
		return fmt.Errorf("loading install salt: %w", err)
	}
	salt, err := crypto.DecodeKey(saltStr)
	if err != nil {
		return err
	}
	oldKey, err := st.ActiveSystemKey(ctx, store.KeyPurposeHubToken)
	if err != nil {
		return fmt.Errorf("loading active key: %w", err)
	}
	oldMaterial, err := crypto.DecodeKey(oldKey.Value)
	if err != nil {
		return err
	}
	oldCipher, err := crypto.NewCipher(oldMaterial, salt)
	crypto.Zero(oldMaterial)
	if err != nil {
		return err
	}

	newValue, err := crypto.GenerateKeyMaterial()
	if err != nil {
		return err
	}
	newMaterial, err := crypto.DecodeKey(newValue)
	if err != nil {
		return err
	}
	newCipher, err := crypto.NewCipher(newMaterial, salt)
	crypto.Zero(newMaterial)
	if err != nil {
		return err
	}

	n, err := st.ReencryptHubTokens(ctx, func(oldEncoded string) (string, error) {
		plaintext, err := oldCipher.Decrypt(oldEncoded)
		if err != nil {
			return "", err
		}
		defer crypto.Zero(plaintext)
		return newCipher.Encrypt(plaintext)
	})
	if err != nil {
		return fmt.Errorf("re-encrypting hub tokens: %w", err)
	}
	if _, err := st.RotateSystemKey(ctx, store.KeyPurposeHubToken, newValue); err != nil {
		return fmt.Errorf("activating new key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s key; re-encrypted %d hub credential(s).\n",
		keyNameHubToken, n)
	return nil
}

func rotateJWTKey(ctx context.Context, cmd *cobra.Command, st *store.Store) error {
	newValue, err := crypto.GenerateKeyMaterial()
	if err != nil {
		return err
	}
	if _, err := st.RotateSystemKey(ctx, store.KeyPurposeJWT, newValue); err != nil {
		return fmt.Errorf("activating new key: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rotated %s signing key.\n", keyNameJWT)
	fmt.Fprintln(out, "All outstanding sessions are invalid; users must log in again.")
	return nil
}

func newListUsersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-users",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(*configPath, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				users, err := st.ListUsers(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSERNAME\tEMAIL\tADMIN\tDISABLED\tMUST CHANGE\tLAST LOGIN\tCREATED")
				for _, u := range users {
					lastLogin := "-"
					if u.LastLoginAt != nil {
						lastLogin = u.LastLoginAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%t\t%s\t%s\n",
						u.ID, u.Username, u.Email, u.IsAdmin, u.Disabled,
						u.MustChangePassword, lastLogin,
						u.CreatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

// generatePassword returns a 24-character urlsafe random password.
func generatePassword() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
