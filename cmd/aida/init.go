package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aida-agent/aida/examples"
)

// runInit initializes an Aida working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Aida workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "aida.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	instructionsPath := filepath.Join(dir, "instructions.md")
	if err := writeIfMissing(instructionsPath, examples.InstructionsMD); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", instructionsPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit aida.yaml and instructions.md to customize your installation.")
	fmt.Fprintln(w, "Point agent.instructions_file at instructions.md to use it.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
