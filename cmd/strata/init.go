package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stratabase/strata/internal/config"
	"github.com/stratabase/strata/internal/identity"
	"github.com/stratabase/strata/internal/store"
)

func initCmd() *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Bootstrap the instance: directories and the first admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			return runInit(cmd.Context(), cfg, email, password)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email (prompted if absent)")
	cmd.Flags().StringVar(&password, "password", "", "admin password (prompted if absent)")
	return cmd
}

func runInit(ctx context.Context, cfg *config.Config, email, password string) error {
	st, err := store.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ids := identity.NewService(st, cfg.JWTSecret)
	ready, err := ids.AnyAdmin(ctx)
	if err != nil {
		return err
	}
	if ready {
		return errAlreadyInitialized
	}

	for _, dir := range []string{cfg.DataDir, cfg.FunctionsDir, cfg.ExtensionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if email == "" {
		email, err = prompt("Admin email: ")
		if err != nil {
			return err
		}
	}
	if password == "" {
		password, err = promptPassword("Admin password: ")
		if err != nil {
			return err
		}
	}

	admin, err := ids.Register(ctx, email, password)
	if err != nil {
		return err
	}

	fmt.Printf("Initialized. Admin account: %s\n", admin.Email)
	fmt.Printf("Data directory: %s\n", absOrSelf(cfg.DataDir))
	fmt.Println("Run `strata serve` to start the server.")
	return nil
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(label string) (string, error) {
	fmt.Print(label)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

func absOrSelf(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
