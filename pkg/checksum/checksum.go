package checksum

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash/adler32"
	"io"
	"os"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Sums computes the SHA-512 and ADLER-32 digests of a file in a single
// streaming pass. SHA-512 is the integrity digest the tape systems
// verify; ADLER-32 is carried for transfer tooling that still wants it.
func Sums(path string) (*types.Checksum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for checksumming: %w", path, err)
	}
	defer f.Close()

	sha := sha512.New()
	adler := adler32.New()
	if _, err := io.Copy(io.MultiWriter(sha, adler), f); err != nil {
		return nil, fmt.Errorf("failed to read %s for checksumming: %w", path, err)
	}

	return &types.Checksum{
		SHA512:  hex.EncodeToString(sha.Sum(nil)),
		Adler32: fmt.Sprintf("%08x", adler.Sum32()),
	}, nil
}

// SHA512 computes only the SHA-512 digest of a file.
func SHA512(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for checksumming: %w", path, err)
	}
	defer f.Close()

	sha := sha512.New()
	if _, err := io.Copy(sha, f); err != nil {
		return "", fmt.Errorf("failed to read %s for checksumming: %w", path, err)
	}
	return hex.EncodeToString(sha.Sum(nil)), nil
}
