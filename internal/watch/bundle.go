// Package watch ingests bundle directories dropped into an inbox folder.
//
// A bundle is a subdirectory of the inbox. It becomes eligible once it holds
// a .ready marker, is claimed by creating .processing exclusively, and ends
// with either .processed or .failed (holding the error message).
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const (
	ReadyMarker      = ".ready"
	ProcessingMarker = ".processing"
	ProcessedMarker  = ".processed"
	FailedMarker     = ".failed"
)

// ListReady returns the bundles under inbox that are ready and not yet
// finished, sorted by path.
func ListReady(inbox string) ([]string, error) {
	info, err := os.Stat(inbox)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("inbox directory does not exist: %s", inbox)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox path is not a directory: %s", inbox)
	}

	entries, err := os.ReadDir(inbox)
	if err != nil {
		return nil, err
	}
	var bundles []string
	for _, e := range entries {
		dir := filepath.Join(inbox, e.Name())
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			continue
		}
		if !exists(filepath.Join(dir, ReadyMarker)) {
			continue
		}
		if exists(filepath.Join(dir, ProcessedMarker)) || exists(filepath.Join(dir, FailedMarker)) {
			continue
		}
		bundles = append(bundles, dir)
	}
	sort.Strings(bundles)
	return bundles, nil
}

// TryLock claims a bundle. It returns false when another poller holds it.
func TryLock(bundle string) (bool, error) {
	f, err := os.OpenFile(filepath.Join(bundle, ProcessingMarker), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		return true, f.Close()
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	return false, fmt.Errorf("create processing marker: %w", err)
}

func MarkProcessed(bundle string) error {
	if err := os.WriteFile(filepath.Join(bundle, ProcessedMarker), nil, 0o644); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(bundle, ProcessingMarker))
	return nil
}

func MarkFailed(bundle, message string) error {
	if err := os.WriteFile(filepath.Join(bundle, FailedMarker), []byte(message), 0o644); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(bundle, ProcessingMarker))
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
