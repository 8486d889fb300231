package dotenv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved. A missing file
// is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFromAncestors walks up from start looking for a .env file and loads
// the first one found. It returns the loaded path, or "" when none exists
// within maxLevels parents.
func LoadFromAncestors(start string, maxLevels int) (string, error) {
	dir := start
	for i := 0; i <= maxLevels; i++ {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			return p, LoadFile(p)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}
