package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"foreman/internal/manifest"
)

var (
	initForce       bool
	initProjectName string
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a foreman project",
	Long: `Initialize a directory for use with foreman.

This command sets up everything needed to run a fleet:
  - Creates the .foreman directory structure
  - Writes a starter fleet manifest (foreman.yaml)
  - Writes a project config template (.foreman.yaml)

The directory argument is optional and defaults to the current directory.

Examples:
  foreman init              # Initialize current directory
  foreman init ./myproject  # Initialize specific directory
  foreman init --force      # Reinitialize even if already set up`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().StringVar(&initProjectName, "project-name", "", "Override auto-detected project name")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing foreman in %s...\n\n", absPath)

	foremanDir := filepath.Join(absPath, ".foreman")
	if _, err := os.Stat(foremanDir); err == nil && !initForce {
		fmt.Println("Directory already initialized. Use --force to reinitialize.")
		return nil
	}

	for _, dir := range []string{foremanDir, filepath.Join(foremanDir, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .foreman directory structure", color.FgGreen)

	project := initProjectName
	if project == "" {
		project = filepath.Base(absPath)
	}

	manifestPath := filepath.Join(absPath, "foreman.yaml")
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) || initForce {
		if err := os.WriteFile(manifestPath, []byte(manifest.Starter(project)), 0644); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
		printStatus("✓", "Created starter fleet manifest (foreman.yaml)", color.FgGreen)
	} else {
		printStatus("⚠", "foreman.yaml already exists, left untouched", color.FgYellow)
	}

	configPath := filepath.Join(absPath, ".foreman.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) || initForce {
		if err := os.WriteFile(configPath, []byte(configTemplate), 0644); err != nil {
			return fmt.Errorf("writing config template: %w", err)
		}
		printStatus("✓", "Created .foreman.yaml template", color.FgGreen)
	} else {
		printStatus("⚠", ".foreman.yaml already exists, left untouched", color.FgYellow)
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit foreman.yaml to declare your workers")
	fmt.Println("  2. Run 'foreman run' to start the fleet")
	return nil
}

const configTemplate = `# foreman project configuration
# Overrides ~/.config/foreman/config.yaml; FOREMAN_* env vars win over both.
supervisor:
  heartbeat_stale: 60s
  shutdown_grace: 10s
  auto_restart: false
health:
  interval: 30s
server:
  addr: 127.0.0.1:7180
state:
  db_path: .foreman/state.db
  snapshot_interval: 30s
manifest:
  path: foreman.yaml
  watch: true
`

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
