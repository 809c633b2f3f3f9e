package utils

import (
	"io"
	"os"
	"path/filepath"
)

func GetPathInfo(relPath string) (fullPath string, parentDir string, err error) {
	// Convert to absolute path (resolves ../../ and cleans the path)
	fullPath, err = filepath.Abs(relPath)
	if err != nil {
		return "", "", err
	}

	// Get the directory containing the file
	parentDir = filepath.Dir(fullPath)

	return fullPath, parentDir, nil
}

// ReadInput reads a file, or stdin when path is "-". dir is the directory
// configuration lookups start from.
func ReadInput(path string) (data []byte, dir string, err error) {
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", err
		}
		dir, err = os.Getwd()
		return data, dir, err
	}
	fullPath, dir, err := GetPathInfo(path)
	if err != nil {
		return nil, "", err
	}
	data, err = os.ReadFile(fullPath)
	if err != nil {
		return nil, "", err
	}
	return data, dir, nil
}

// WriteOutput writes data to a file, or stdout when path is "" or "-".
func WriteOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
