package partition

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/zde37/rangedht/pkg"
	"github.com/zde37/rangedht/pkg/hash"
)

// Entry is one stored block file.
type Entry struct {
	Key     *big.Int
	Path    string
	ModTime time.Time
}

// Read loads the block bytes.
func (e Entry) Read() ([]byte, error) {
	return os.ReadFile(e.Path)
}

// writeBlock writes data under dir/<keyhex> via a temp file and rename, then
// stamps the modification time with storedAt when it is set.
func writeBlock(dir string, key *big.Int, data []byte, storedAt time.Time) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	name := hash.KeyToHex(key)
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if !storedAt.IsZero() {
		if err := os.Chtimes(tmpName, storedAt, storedAt); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}

func readBlock(dir string, key *big.Int) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, hash.KeyToHex(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, pkg.ErrNoData
	}
	return data, err
}

func statBlock(dir string, key *big.Int) (time.Time, bool) {
	info, err := os.Stat(filepath.Join(dir, hash.KeyToHex(key)))
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func removeBlock(dir string, key *big.Int) error {
	err := os.Remove(filepath.Join(dir, hash.KeyToHex(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return pkg.ErrNoData
	}
	return err
}

// entries yields every block file in dir. A missing dir yields nothing. The
// listing is taken when iteration starts, so each range over the sequence
// sees the directory afresh.
func entries(dir string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		des, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, de := range des {
			if de.IsDir() {
				continue
			}
			key, err := hash.ParseKey(de.Name())
			if err != nil {
				continue
			}
			info, err := de.Info()
			if err != nil {
				// removed between listing and stat
				continue
			}
			if !yield(Entry{Key: key, Path: filepath.Join(dir, de.Name()), ModTime: info.ModTime()}) {
				return
			}
		}
	}
}

// moveBlock renames src into dstDir, replacing any file of the same key.
func moveBlock(e Entry, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}
	return os.Rename(e.Path, filepath.Join(dstDir, hash.KeyToHex(e.Key)))
}
