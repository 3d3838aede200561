package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExts lists the extensions pkg/processing can decode
var imageExts = []string{"jpg", "jpeg", "png", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the lower-case file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has a decodable image extension
func IsImageFile(filename string) bool {
	ext := GetFileExtension(filename)
	for _, imgExt := range imageExts {
		if ext == imgExt {
			return true
		}
	}
	return false
}

// IsURL reports whether s is an http(s) URL
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// OutputPath builds dir/<name><suffix>.<ext> for an input file or URL
func OutputPath(input, dir, suffix, ext string) string {
	name := input
	if IsURL(input) {
		name = strings.SplitN(input, "?", 2)[0]
		name = name[strings.LastIndex(name, "/")+1:]
	}
	name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if name == "" || name == "." || name == "/" {
		name = "image"
	}
	return filepath.Join(dir, fmt.Sprintf("%s%s.%s", name, suffix, ext))
}

// ListImageFiles recursively lists image files in a directory, sorted by path
func ListImageFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ExpandInputs turns a file, URL or directory argument into the list of images to process
func ExpandInputs(in string) ([]string, error) {
	if IsURL(in) {
		return []string{in}, nil
	}
	if DirExists(in) {
		files, err := ListImageFiles(in)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", in, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no images found in %s", in)
		}
		return files, nil
	}
	if FileExists(in) {
		return []string{in}, nil
	}
	return nil, fmt.Errorf("input not found: %s", in)
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}
