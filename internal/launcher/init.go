package launcher

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/thingshadow/examples"
	"github.com/nugget/thingshadow/fonts"
)

// runInit prepares a working directory for the agents: an example
// shadow.yaml, the shipped fonts and empty cert and logs directories.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing agent directory in %s\n", dir)

	for _, sub := range []string{"cert", "fonts", "logs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "shadow.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	err := fs.WalkDir(fonts.FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".bdf" {
			return nil
		}

		content, err := fonts.FS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}

		destPath := filepath.Join(dir, "fonts", d.Name())
		if err := writeIfMissing(destPath, content); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", destPath)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install fonts: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit shadow.yaml, then place the CA certificate in cert/ and each")
	fmt.Fprintln(w, "thing's certificate.pem.crt and private.pem.key in cert/<thing>/.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
