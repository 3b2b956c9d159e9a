package syncer

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Revision returns a content hash of the tree rooted at root. Two trees have
// the same revision iff they contain the same relative paths with the same
// modes, sizes and contents. Modification times are ignored, so copying a
// tree preserves its revision.
//
// The revision of a path that does not exist is the empty string.
func Revision(root string) (string, error) {
	if _, err := fs.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}

	h := sha512.New()
	err := afero.Walk(fs, root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// directory sizes are filesystem specific and not hashed.
		switch mode := fi.Mode(); {
		case mode.IsDir():
			fmt.Fprintf(h, "%s\x00d\n", filepath.ToSlash(rel))
		case mode.IsRegular():
			sum, err := fileHash(p)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\x00f\x00%o\x00%d\x00%x\n", filepath.ToSlash(rel), mode.Perm(), fi.Size(), sum)
		default:
			fmt.Fprintf(h, "%s\x00%s\n", filepath.ToSlash(rel), mode.Type())
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to compute revision of %s: %w", root, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileHash(p string) ([]byte, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
