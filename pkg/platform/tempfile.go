// Copyright 2024-2026 Aiku AI

package platform

import (
	"fmt"
	"os"
	"path/filepath"

	"go.mau.fi/util/exmime"
)

// WriteTempFile stores data in a new temporary file whose extension matches
// mimeType (or the extension of fallbackName when the mime type is unknown).
// The caller is responsible for removing the file.
func WriteTempFile(data []byte, mimeType, fallbackName string) (string, error) {
	ext := exmime.ExtensionFromMimetype(mimeType)
	if ext == "" {
		ext = filepath.Ext(fallbackName)
	}
	f, err := os.CreateTemp("", "cloner-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return f.Name(), nil
}
