package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/marcus/tether/internal/api"
	"github.com/marcus/tether/internal/serverdb"
)

func runAdmin(args []string) {
	if err := admin(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func admin(args []string, out io.Writer) error {
	if len(args) == 0 {
		printAdminUsage()
		return fmt.Errorf("missing admin command")
	}

	switch args[0] {
	case "create-principal":
		return adminCreatePrincipal(args[1:], out)
	case "create-key":
		return adminCreateKey(args[1:], out)
	case "list-keys":
		return adminListKeys(args[1:], out)
	case "revoke-key":
		return adminRevokeKey(args[1:], out)
	default:
		printAdminUsage()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminUsage() {
	fmt.Fprintln(os.Stderr, `Usage: tether-sync admin <command> [flags]

Commands:
  create-principal  Create a principal that owns synced records
  create-key        Create an API key for a principal
  list-keys         List a principal's API keys
  revoke-key        Revoke an API key by id`)
}

const dbFlagUsage = "path to server.db (default: from TETHER_SYNC_DB_PATH or ./data/server.db)"

func openDB(dbPath string) (*serverdb.ServerDB, error) {
	if dbPath == "" {
		dbPath = api.LoadConfig(".env").ServerDBPath
	}
	store, err := serverdb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func adminCreatePrincipal(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin create-principal", flag.ContinueOnError)
	name := fs.String("name", "", "principal name")
	dbPath := fs.String("db", "", dbFlagUsage)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	store, err := openDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if existing, err := store.GetPrincipal(*name); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("principal %q already exists (%s)", *name, existing.ID)
	}

	p, err := store.CreatePrincipal(*name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "created principal %s (%s)\n", p.Name, p.ID)
	return nil
}

func adminCreateKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin create-key", flag.ContinueOnError)
	principal := fs.String("principal", "", "principal name or id")
	name := fs.String("name", "", "key label")
	expires := fs.Duration("expires", 0, "key lifetime (e.g. 720h); 0 never expires")
	dbPath := fs.String("db", "", dbFlagUsage)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal == "" {
		return fmt.Errorf("--principal is required")
	}

	store, err := openDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.GetPrincipal(*principal)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("principal not found: %s", *principal)
	}

	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires)
		expiresAt = &t
	}

	plaintext, ak, err := store.GenerateAPIKey(p.ID, *name, expiresAt)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "API key created for %s (id %s)\n", p.Name, ak.ID)
	fmt.Fprintf(out, "Key: %s\n", plaintext)
	fmt.Fprintln(out, "This key will not be shown again. Store it securely.")
	return nil
}

func adminListKeys(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin list-keys", flag.ContinueOnError)
	principal := fs.String("principal", "", "principal name or id")
	dbPath := fs.String("db", "", dbFlagUsage)
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := store.GetPrincipal(*principal)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("principal not found: %s", *principal)
	}

	keys, err := store.ListAPIKeys(p.ID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		used := "never"
		if k.LastUsedAt != nil {
			used = k.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s  %s…  %-16s last used %s\n", k.ID, k.KeyPrefix, k.Name, used)
	}
	return nil
}

func adminRevokeKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin revoke-key", flag.ContinueOnError)
	id := fs.String("id", "", "api key id (ak_...)")
	dbPath := fs.String("db", "", dbFlagUsage)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}

	store, err := openDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RevokeAPIKey(*id); err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked %s\n", *id)
	return nil
}
