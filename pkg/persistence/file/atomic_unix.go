//go:build !windows

package file

import (
	"os"

	"github.com/google/renameio/v2"
)

// atomicWriteFile replaces path so readers never observe a partial document.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
