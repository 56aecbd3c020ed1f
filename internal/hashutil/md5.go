// Package hashutil computes the MD5 digests the protocol uses for
// per-file integrity verification (spec §4.2).
package hashutil

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// blockSize matches the original tooling's 64 KiB read size.
const blockSize = 64 * 1024

// FileMD5 returns the 32-character lowercase hex MD5 digest of the file
// at path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
