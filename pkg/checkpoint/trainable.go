// Package checkpoint adds durable checkpointing to trainables.
//
// A Trainable saves and loads its own state. Durable decorates a Trainable:
// it places each checkpoint at <checkpoint_root>/<trial_id>/<step>/checkpoint
// as a versioned Record, and, in ModeDurable, pushes the trial directory to
// durable storage through a syncer.NodeSyncer after every save and pulls it
// back before a restore when the local copy is missing or stale.
package checkpoint

// Config is the configuration a trainable is set up with.
type Config map[string]interface{}

// Result is what a trainable reports after a step.
type Result map[string]interface{}

// Trainable is a unit of trial work that can be checkpointed.
type Trainable interface {
	// Setup prepares the trainable. It is called once, before any other
	// method.
	Setup(cfg Config) error

	// Step performs one iteration.
	Step() (Result, error)

	// SaveCheckpoint writes the current state into dir and returns the path
	// of the file holding it.
	SaveCheckpoint(dir string) (string, error)

	// LoadCheckpoint restores the state saved at path.
	LoadCheckpoint(path string) error
}
