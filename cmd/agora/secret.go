package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/store"
	"github.com/msoulis/agora/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	passphrase := os.Getenv("AGORA_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("AGORA_VAULT_PASSPHRASE environment variable is required")
	}
	v := vault.New(passphrase)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return secretList(db)
	case "set":
		return secretSet(db, v, args[1:])
	case "get":
		return secretGet(db, v, args[1:])
	case "delete":
		return secretDelete(db, args[1:])
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: agora secret <command>

Commands:
  list                                             List all secrets (metadata only)
  set <name> --value <str> [--description <text>]  Store a secret
  get <name>                                       Retrieve and decrypt a secret
  delete <name>                                    Delete a secret

Environment:
  AGORA_VAULT_PASSPHRASE                           Required. Encryption passphrase.
`)
}

func secretList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func secretSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 || args[1] != "--value" {
		return fmt.Errorf("usage: agora secret set <name> --value <string> [--description <text>]")
	}

	name := args[0]
	value := args[2]

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.EncryptString(value)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func secretGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agora secret get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.DecryptString(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Print(plaintext)
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func secretDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agora secret delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
