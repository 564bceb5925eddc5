//go:build !unix

package httpconn

import "os"

func mapFile(name string, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return os.ReadFile(name)
}

func unmapFile([]byte) error {
	return nil
}
