//go:build windows

package file

import (
	"os"
)

// renameio has no Windows support; rename within one directory is the closest equivalent.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, perm)
	if err != nil {
		return err
	}

	err = os.Rename(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)

		return err
	}

	return nil
}
