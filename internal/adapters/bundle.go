package adapters

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// collectFiles lists the regular files under dir, relative paths, sorted.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// singleOrBundle returns the run's one artifact: the file itself when the
// tool produced exactly one, otherwise a zip of everything under dir.
func singleOrBundle(dir, baseName string) (*Artifact, error) {
	files, err := collectFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no output files in %s", dir)
	}
	if len(files) == 1 {
		path := filepath.Join(dir, files[0])
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		return &Artifact{Filename: filepath.Base(files[0]), Path: path, Size: info.Size()}, nil
	}
	return bundleZip(dir, files, baseName)
}

func bundleZip(dir string, files []string, baseName string) (*Artifact, error) {
	if baseName == "" {
		baseName = "download"
	}
	if !strings.HasSuffix(baseName, ".zip") {
		baseName += ".zip"
	}
	zipPath := filepath.Join(dir, baseName)

	out, err := os.Create(zipPath)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(out)

	for _, rel := range files {
		src, err := os.Open(filepath.Join(dir, rel))
		if err != nil {
			zw.Close()
			out.Close()
			return nil, err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err == nil {
			_, err = io.Copy(w, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			out.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		return nil, err
	}
	return &Artifact{Filename: baseName, Path: zipPath, Size: info.Size()}, nil
}

// newestMediaFile picks the most recently modified media file under dir;
// used by tools that leave intermediate fragments next to the result.
func newestMediaFile(dir string) (*Artifact, error) {
	var (
		best     string
		bestInfo os.FileInfo
	)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isMediaExt(filepath.Ext(path)) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		if bestInfo == nil || info.ModTime().After(bestInfo.ModTime()) {
			best, bestInfo = path, info
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if best == "" {
		return nil, fmt.Errorf("no media file in %s", dir)
	}
	return &Artifact{Filename: filepath.Base(best), Path: best, Size: bestInfo.Size()}, nil
}

func isMediaExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".mp4", ".mkv", ".webm", ".avi", ".mov", ".m4a", ".mp3", ".opus", ".flac", ".wav", ".ts":
		return true
	}
	return false
}
