package config

import "path/filepath"

type Directories struct {
	home string
}

// NewDirectories returns the directory layout rooted at home.
func NewDirectories(home string) Directories {
	return Directories{home}
}

func (d Directories) Home() string {
	return d.home
}

// Checkpoints is the local checkpoint root.
func (d Directories) Checkpoints() string {
	return filepath.Join(d.home, "checkpoints")
}

// Remote is the root of the simulated durable remote.
func (d Directories) Remote() string {
	return filepath.Join(d.home, "remote")
}

func (d Directories) Logs() string {
	return filepath.Join(d.home, "logs")
}

// Catalog is the path of the on-disk checkpoint catalog.
func (d Directories) Catalog() string {
	return filepath.Join(d.home, "catalog.db")
}
