package common

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFiles reads .env and then .env.local from dir. Values from .env never
// replace variables that are already set; .env.local overrides both. Missing
// files are skipped. It returns the files that were applied.
func LoadEnvFiles(dir string) ([]string, error) {
	var loaded []string
	base := filepath.Join(dir, ".env")
	if err := godotenv.Load(base); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return loaded, err
		}
	} else {
		loaded = append(loaded, base)
	}
	local := filepath.Join(dir, ".env.local")
	if err := godotenv.Overload(local); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return loaded, err
		}
	} else {
		loaded = append(loaded, local)
	}
	return loaded, nil
}
