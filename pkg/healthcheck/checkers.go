package healthcheck

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/testground/faultline/pkg/chaos"
	"github.com/testground/faultline/pkg/storage"
)

// DirExistsChecker returns a Checker, a method which when executed will check whether a directory
// exists. A true value means the directory exists. A false value means it does not exist, or
// that the path does not point to a directory. Aside from ErrNotExist, which is the error we expect
// to handle, any file permission or I/O errors will be returned to the caller.
func DirExistsChecker(path string) Checker {
	return func(_ context.Context) (bool, string, error) {
		fi, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, "directory does not exist. can recreate.", nil
			}
			return false, "filesystem error. cannot recreate.", err
		}
		if fi.IsDir() {
			return true, "directory already exists.", nil
		}
		return false, "expected directory. found regular file. please fix manually.", fmt.Errorf("not a directory")
	}
}

// CommandExistsChecker returns a Checker verifying that an executable can be
// found in PATH.
func CommandExistsChecker(name string) Checker {
	return func(_ context.Context) (bool, string, error) {
		p, err := exec.LookPath(name)
		if err != nil {
			return false, fmt.Sprintf("%s not found in PATH.", name), nil
		}
		return true, fmt.Sprintf("found %s.", p), nil
	}
}

// StorageRoundTripChecker returns a Checker that pushes a probe directory to
// durable storage under root, pulls it back and deletes it.
func StorageRoundTripChecker(factory storage.Factory, root string) Checker {
	return func(ctx context.Context) (bool, string, error) {
		client, err := factory()
		if err != nil {
			return false, "storage backend unavailable.", nil
		}

		local, err := ioutil.TempDir("", "faultline-probe-")
		if err != nil {
			return false, "could not create probe directory.", err
		}
		defer os.RemoveAll(local)

		id := xid.New().String()
		if err := ioutil.WriteFile(filepath.Join(local, "probe"), []byte(id), 0o644); err != nil {
			return false, "could not write probe.", err
		}

		remote := path.Join(root, ".healthcheck", id)
		if err := client.Push(ctx, local, remote); err != nil {
			return false, fmt.Sprintf("push failed: %v.", err), nil
		}
		defer client.Delete(context.Background(), remote)

		back := filepath.Join(local, "pulled")
		if err := client.Pull(ctx, remote, back); err != nil {
			return false, fmt.Sprintf("pull failed: %v.", err), nil
		}
		b, err := ioutil.ReadFile(filepath.Join(back, "probe"))
		if err != nil || string(b) != id {
			return false, "pulled probe does not match pushed probe.", nil
		}
		return true, "push, pull and delete succeeded.", nil
	}
}

// ClusterNodesChecker returns a Checker verifying that the cluster has at
// least one live node failures can be injected into.
func ClusterNodesChecker(lister chaos.NodeLister, configID string) Checker {
	return func(ctx context.Context) (bool, string, error) {
		nodes, err := lister.Nodes(ctx, configID)
		if err != nil {
			return false, "could not list cluster nodes.", err
		}
		if len(nodes) == 0 {
			return false, "cluster has no live nodes.", nil
		}
		return true, fmt.Sprintf("cluster has %d live nodes.", len(nodes)), nil
	}
}
