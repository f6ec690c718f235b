package certs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// CurrentVersion is bumped whenever issued certificates change shape, forcing a new root.
const CurrentVersion = 1

// ErrConfigPersistence wraps failures reading or writing the identity record.
var ErrConfigPersistence = errors.New("certs: identity persistence failed")

// Identity records which certificates the proxy installed. Empty thumbprints
// and a zero Version mean the value was never recorded.
type Identity struct {
	RootThumbprint     string
	PersonalThumbprint string
	Version            int
}

// LoadIdentity reads the identity record. A missing file yields a zero Identity.
func LoadIdentity(path string) (Identity, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("%w: stat %s: %v", ErrConfigPersistence, path, err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kjson.Parser()); err != nil {
		return Identity{}, fmt.Errorf("%w: load %s: %v", ErrConfigPersistence, path, err)
	}
	return Identity{
		RootThumbprint:     k.String("rootThumbprint"),
		PersonalThumbprint: k.String("personalThumbprint"),
		Version:            k.Int("version"),
	}, nil
}

// SaveIdentity writes the record atomically through a temp file and rename.
func SaveIdentity(path string, id Identity) error {
	k := koanf.New(".")
	doc := map[string]any{
		"rootThumbprint":     nullable(id.RootThumbprint),
		"personalThumbprint": nullable(id.PersonalThumbprint),
		"version":            nil,
	}
	if id.Version > 0 {
		doc["version"] = id.Version
	}
	if err := k.Load(confmap.Provider(doc, ""), nil); err != nil {
		return fmt.Errorf("%w: encode: %v", ErrConfigPersistence, err)
	}
	data, err := k.Marshal(kjson.Parser())
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrConfigPersistence, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrConfigPersistence, dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrConfigPersistence, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write: %v", ErrConfigPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync: %v", ErrConfigPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close: %v", ErrConfigPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrConfigPersistence, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
