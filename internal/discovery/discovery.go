package discovery

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ImageExtensions = []string{".bmp", ".jpeg", ".jpg", ".png", ".tif", ".tiff", ".webp"}
	PDFExtensions   = []string{".pdf"}
)

// Report is the outcome of expanding user inputs. Supported keeps enqueue
// order: inputs in the order given, each directory expanded in sorted order.
type Report struct {
	Supported   []string `json:"supported"`
	Missing     []string `json:"missing,omitempty"`
	Unsupported []string `json:"unsupported,omitempty"`
	EmptyDirs   []string `json:"empty_dirs,omitempty"`
	Unknown     []string `json:"unknown,omitempty"`
}

// Discover expands files, directories (recursively) and glob patterns into
// the supported files to enqueue. Inputs that do not exist and contain glob
// metacharacters are matched with doublestar; a pattern with no match is
// reported as missing.
func Discover(inputs []string) (Report, error) {
	var report Report
	for _, input := range inputs {
		info, err := os.Stat(input)
		if errors.Is(err, fs.ErrNotExist) {
			matches, globErr := expandGlob(input)
			if globErr != nil {
				return report, globErr
			}
			if len(matches) == 0 {
				report.Missing = append(report.Missing, input)
				continue
			}
			for _, m := range matches {
				if err := report.add(m); err != nil {
					return report, err
				}
			}
			continue
		}
		if err != nil {
			return report, err
		}
		if err := report.addInfo(input, info); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *Report) add(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		r.Missing = append(r.Missing, path)
		return nil
	}
	if err != nil {
		return err
	}
	return r.addInfo(path, info)
}

func (r *Report) addInfo(path string, info fs.FileInfo) error {
	switch {
	case info.Mode().IsRegular():
		if IsSupported(path) {
			r.Supported = append(r.Supported, path)
		} else {
			r.Unsupported = append(r.Unsupported, path)
		}
	case info.IsDir():
		files, err := listSupported(path)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			r.EmptyDirs = append(r.EmptyDirs, path)
			return nil
		}
		r.Supported = append(r.Supported, files...)
	default:
		r.Unknown = append(r.Unknown, path)
	}
	return nil
}

func expandGlob(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		return nil, nil
	}
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, nil
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// listSupported walks dir in lexical order and returns every supported
// regular file beneath it.
func listSupported(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		if IsSupported(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Split partitions supported paths into images and PDFs, keeping order.
func Split(paths []string) (images, pdfs []string) {
	for _, p := range paths {
		switch {
		case IsImage(p):
			images = append(images, p)
		case IsPDF(p):
			pdfs = append(pdfs, p)
		}
	}
	return images, pdfs
}

func IsSupported(path string) bool { return IsImage(path) || IsPDF(path) }

func IsImage(path string) bool { return hasExtension(path, ImageExtensions) }

func IsPDF(path string) bool { return hasExtension(path, PDFExtensions) }

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// SupportedTypesHelp is the hint printed when inputs yield nothing.
func SupportedTypesHelp() string {
	return "Supported file types:\n" +
		"- Images: " + strings.Join(ImageExtensions, ", ") + "\n" +
		"- PDFs: " + strings.Join(PDFExtensions, ", ")
}
