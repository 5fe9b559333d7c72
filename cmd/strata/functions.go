package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratabase/strata/internal/config"
)

func functionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "functions",
		Short: "Manage function sources",
	}
	cmd.AddCommand(functionsNewCmd())
	return cmd
}

func functionsNewCmd() *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Scaffold a new function source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			return scaffoldFunction(cfg, args[0], description)
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "function description")
	return cmd
}

func scaffoldFunction(cfg *config.Config, name, description string) error {
	if name == "" || strings.ContainsAny(name, " /\\.") {
		return fmt.Errorf("function name must be a path-safe token without extension")
	}
	if err := os.MkdirAll(cfg.FunctionsDir, 0o755); err != nil {
		return fmt.Errorf("create functions dir: %w", err)
	}

	path := filepath.Join(cfg.FunctionsDir, name+".py")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if description == "" {
		description = "TODO: describe " + name
	}
	source := fmt.Sprintf(`"""%s"""

# /// script
# dependencies = []
# ///


def main(input):
    return {"message": "hello from %s", "input": input}
`, description, name)

	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Created %s\n", path)
	fmt.Println("Deploy it with: PUT /api/admin/functions/" + name + "/source, or run `strata serve --reload`.")
	return nil
}
