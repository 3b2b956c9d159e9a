package healthcheck

import (
	"context"
	"fmt"
	"os"
)

// DirExistsFixer returns a Fixer, a method which when executed will create a directory and
// any parent directories as appropriate.
func DirExistsFixer(path string) Fixer {
	return func(_ context.Context) (string, error) {
		err := os.MkdirAll(path, os.ModePerm)
		if err != nil {
			return "directory not created successfully.", err
		}
		return "directory created successfully.", nil
	}
}

// And returns a Fixer running all fixers in order. The first error stops the
// sequence and is returned.
func And(fixers ...Fixer) Fixer {
	return func(ctx context.Context) (string, error) {
		for _, fxr := range fixers {
			msg, err := fxr(ctx)
			if err != nil {
				return msg, err
			}
		}
		return "all fixes mitigated.", nil
	}
}

// Or returns a Fixer that stops at the first fixer that succeeds. An error is
// returned if all of them fail.
func Or(fixers ...Fixer) Fixer {
	return func(ctx context.Context) (string, error) {
		for _, fxr := range fixers {
			msg, err := fxr(ctx)
			if err == nil {
				return msg, err
			}
		}
		return "all fixes failed.", fmt.Errorf("all fixes failed")
	}
}
