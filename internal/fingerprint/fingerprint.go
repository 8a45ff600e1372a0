// Package fingerprint detects changes to the source files after derived
// stores were built from them.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fhnw-medical-informatics/patient-journey-public/internal/integrity"
)

const chunkSize = 4096

// Compute hashes the concatenated contents of paths, in order.
func Compute(paths ...string) (string, error) {
	hasher := md5.New()
	buf := make([]byte, chunkSize)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("fingerprint: open %s: %w", path, err)
		}
		_, err = io.CopyBuffer(hasher, f, buf)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("fingerprint: read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Gate compares digests against the one stored in a sidecar file.
type Gate struct {
	Path string
	// Artifacts are named in the error message as things to delete.
	Artifacts []string
}

// Stored returns the recorded digest. ok is false only when no sidecar
// exists; an empty sidecar is a recorded empty digest.
func (g Gate) Stored() (digest string, ok bool, err error) {
	data, err := os.ReadFile(g.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("fingerprint: read %s: %w", g.Path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Check records digest on first use and reports first=true. Later calls
// succeed only when digest matches the recorded value.
func (g Gate) Check(digest string) (first bool, err error) {
	stored, ok, err := g.Stored()
	if err != nil {
		return false, err
	}
	if !ok {
		if err := g.write(digest); err != nil {
			return false, err
		}
		return true, nil
	}
	if stored != digest {
		remove := append([]string{g.Path}, g.Artifacts...)
		return false, integrity.NewError(integrity.KindSourceChanged, fmt.Sprintf(
			"source data changed since the derived stores were built (stored %s, current %s); delete %s and restart",
			stored, digest, strings.Join(remove, ", ")))
	}
	return false, nil
}

func (g Gate) write(digest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(g.Path), filepath.Base(g.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("fingerprint: create sidecar: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(digest); err != nil {
		tmp.Close()
		return fmt.Errorf("fingerprint: write sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fingerprint: close sidecar: %w", err)
	}
	return os.Rename(tmp.Name(), g.Path)
}
