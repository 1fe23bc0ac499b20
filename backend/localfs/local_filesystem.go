package localfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alttch/sshare/pkg/errs"
)

// FileInfo describes a regular file picked for upload.
type FileInfo struct {
	AbsPath string
	// Rel is the path relative to the directory that was walked, or the base
	// name for files named directly.
	Rel     string
	Size    int64
	ModTime time.Time
}

type FileSystemLister struct {
	// Recursive allows directories; without it a directory is a usage error.
	Recursive bool
}

func NewFileSystemLister(recursive bool) *FileSystemLister {
	return &FileSystemLister{Recursive: recursive}
}

// List resolves each root to the regular files it names, in walk order.
func (fsl *FileSystemLister) List(roots ...string) ([]FileInfo, error) {
	var files []FileInfo
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, errs.LocalIO("resolve", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, errs.LocalIO("stat", root, err)
		}
		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return nil, errs.Usagef("list", "%s is not a regular file", root)
			}
			files = append(files, FileInfo{AbsPath: abs, Rel: info.Name(), Size: info.Size(), ModTime: info.ModTime()})
			continue
		}
		if !fsl.Recursive {
			return nil, errs.Usagef("list", "%s is a directory (use --recursive)", root)
		}
		found, err := walk(abs)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	return files, nil
}

func walk(root string) ([]FileInfo, error) {
	var files []FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			AbsPath: path,
			Rel:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errs.LocalIO("walk", root, fmt.Errorf("list files: %w", err))
	}
	return files, nil
}
