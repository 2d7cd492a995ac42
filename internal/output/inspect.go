package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/framesnap/framesnap/internal/failure"
	"github.com/framesnap/framesnap/internal/writer"
)

// File is one image in an output directory.
type File struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Info summarises the images in a directory.
type Info struct {
	Dir    string    `json:"dir"`
	Images int       `json:"images"`
	Bytes  int64     `json:"bytes"`
	Newest time.Time `json:"newest,omitempty"`
	Files  []File    `json:"files"`
}

func isImage(name string) bool {
	return writer.ImageExtensions[strings.ToLower(filepath.Ext(name))]
}

// Inspect lists the image files directly inside dir, sorted by name. Since
// names are timestamps this is also presentation order.
func Inspect(dir string) (*Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", failure.ErrNotFound, dir)
		}
		return nil, err
	}

	info := &Info{Dir: dir, Files: []File{}}
	for _, e := range entries {
		if !e.Type().IsRegular() || !isImage(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.Files = append(info.Files, File{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
		info.Images++
		info.Bytes += fi.Size()
		if fi.ModTime().After(info.Newest) {
			info.Newest = fi.ModTime()
		}
	}
	sort.Slice(info.Files, func(i, j int) bool { return info.Files[i].Name < info.Files[j].Name })
	return info, nil
}

// Clean removes the image files directly inside dir and returns how many were
// removed. Other files and subdirectories are left alone.
func Clean(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", failure.ErrNotFound, dir)
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !isImage(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// Lookup resolves name to an image file directly inside dir, refusing
// anything that would escape it.
func Lookup(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid file name %q", failure.ErrNotFound, name)
	}
	if !isImage(name) {
		return "", fmt.Errorf("%w: %s is not an image", failure.ErrNotFound, name)
	}
	p := filepath.Join(dir, name)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", failure.ErrNotFound, name)
	}
	return p, nil
}
