package orchestrator

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	scanerrors "github.com/anstrom/scanpilot/internal/errors"
	"github.com/anstrom/scanpilot/internal/tools"
)

//go:embed wordlists/common.txt
var bundledWordlist []byte

const bundledWordlistPattern = "scanpilot-common-*.txt"

// wordlists resolves the gobuster wordlist: an uploaded file first, then the
// configured path, then the bundled list written once to a fresh file in the
// scratch dir.
type wordlists struct {
	configured string
	dir        string

	once    sync.Once
	bundled string
	err     error
}

func (w *wordlists) apply(tool tools.Name, argv []string, upload string) ([]string, error) {
	if tool != tools.Gobuster {
		return argv, nil
	}
	path, err := w.resolve(upload)
	if err != nil {
		return nil, err
	}
	return withWordlist(argv, path), nil
}

func (w *wordlists) resolve(upload string) (string, error) {
	if upload != "" {
		info, err := os.Stat(upload)
		if err != nil || !info.Mode().IsRegular() {
			return "", scanerrors.ErrWordlist(upload)
		}
		return upload, nil
	}
	if w.configured != "" {
		if info, err := os.Stat(w.configured); err == nil && info.Mode().IsRegular() {
			return w.configured, nil
		}
	}
	w.once.Do(func() {
		dir := w.dir
		if dir == "" {
			dir = os.TempDir()
		}
		path, err := writeBundled(dir)
		if err != nil {
			w.err = fmt.Errorf("failed to write bundled wordlist: %w", err)
			return
		}
		w.bundled = path
	})
	return w.bundled, w.err
}

// writeBundled creates a new file so a pre-existing path, or a link planted
// at a predictable name, is never written through.
func writeBundled(dir string) (string, error) {
	f, err := os.CreateTemp(dir, bundledWordlistPattern)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(bundledWordlist); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// cleanup removes the bundled list if one was written.
func (w *wordlists) cleanup() error {
	if w.bundled == "" {
		return nil
	}
	if err := os.Remove(w.bundled); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// withWordlist sets the value of -w, appending the flag when absent. A
// trailing flag with no value gets path as its value.
func withWordlist(argv []string, path string) []string {
	out := make([]string, len(argv), len(argv)+2)
	copy(out, argv)
	for i := range out {
		if out[i] != "-w" && out[i] != "--wordlist" {
			continue
		}
		if i == len(out)-1 {
			return append(out, path)
		}
		out[i+1] = path
		return out
	}
	return append(out, "-w", path)
}
