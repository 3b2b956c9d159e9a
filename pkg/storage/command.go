package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/xid"
)

const (
	// LocalSyncTemplate mirrors a local directory into a local target with
	// rsync. Files missing from the source are removed from the target.
	LocalSyncTemplate = "mkdir -p {target} && rsync -a --delete {source}/ {target}/"

	// LocalPullTemplate copies a target into a local directory, keeping local
	// files that do not exist in the target.
	LocalPullTemplate = "[ -d {source} ] || { echo no such file or directory: {source} >&2; exit 2; }; mkdir -p {target} && rsync -a {source}/ {target}/"

	// LocalPromoteTemplate replaces {target} with the staged tree at {source}.
	// A promote interrupted between its two renames leaves only {target}.prev,
	// which the next promote moves back before removing anything.
	LocalPromoteTemplate = "{ [ -e {target} ] || [ ! -e {target}.prev ] || mv {target}.prev {target}; } && " +
		"rm -rf {target}.prev && { [ ! -e {target} ] || mv {target} {target}.prev; } && mv {source} {target} && rm -rf {target}.prev"

	// LocalDeleteTemplate removes {target}. The rename is the step that makes
	// the target disappear.
	LocalDeleteTemplate = "[ ! -e {target} ] || { mv {target} {target}.deleting && rm -rf {target}.deleting; }"
)

// CommandConfig configures a CommandClient. Templates use the {source} and
// {target} placeholders, whose values are shell-quoted before substitution.
type CommandConfig struct {
	SyncTemplate    string        `toml:"sync_template"`
	PullTemplate    string        `toml:"pull_template"`
	PromoteTemplate string        `toml:"promote_template"`
	DeleteTemplate  string        `toml:"delete_template"`
	Shell           string        `toml:"shell"`
	Timeout         time.Duration `toml:"timeout"`
}

// DefaultCommandConfig returns the rsync based templates operating on local
// paths.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		SyncTemplate:    LocalSyncTemplate,
		PullTemplate:    LocalPullTemplate,
		PromoteTemplate: LocalPromoteTemplate,
		DeleteTemplate:  LocalDeleteTemplate,
		Shell:           "sh",
	}
}

// CommandClient is a Client driven by shell command templates.
type CommandClient struct {
	cfg   CommandConfig
	locks KeyedLocker
	tlog  transferLog
}

var _ Client = (*CommandClient)(nil)

func NewCommandClient(cfg CommandConfig) (*CommandClient, error) {
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.PullTemplate == "" {
		cfg.PullTemplate = cfg.SyncTemplate
	}
	if err := requirePlaceholders("sync_template", cfg.SyncTemplate, "{source}", "{target}"); err != nil {
		return nil, err
	}
	if err := requirePlaceholders("pull_template", cfg.PullTemplate, "{source}", "{target}"); err != nil {
		return nil, err
	}
	if err := requirePlaceholders("delete_template", cfg.DeleteTemplate, "{target}"); err != nil {
		return nil, err
	}
	if cfg.PromoteTemplate != "" {
		if err := requirePlaceholders("promote_template", cfg.PromoteTemplate, "{source}", "{target}"); err != nil {
			return nil, err
		}
	}
	if _, err := exec.LookPath(cfg.Shell); err != nil {
		return nil, fmt.Errorf("shell %q not found: %w", cfg.Shell, err)
	}
	return &CommandClient{cfg: cfg}, nil
}

func requirePlaceholders(name, tmpl string, placeholders ...string) error {
	if tmpl == "" {
		return fmt.Errorf("%s must be set", name)
	}
	for _, p := range placeholders {
		if !strings.Contains(tmpl, p) {
			return fmt.Errorf("%s must contain %s", name, p)
		}
	}
	return nil
}

func (c *CommandClient) SetLogDir(dir string) error {
	return c.tlog.setDir(dir)
}

func (c *CommandClient) Push(ctx context.Context, localPath, remotePath string) (err error) {
	const op = "push"
	start := time.Now()
	defer func() { c.tlog.record(op, localPath, remotePath, start, treeSize(localPath), err) }()

	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("push source %s: %w", localPath, err)
	}

	unlock, err := c.locks.Lock(ctx, remotePath)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	if c.cfg.PromoteTemplate == "" {
		return c.run(ctx, op, remotePath, c.cfg.SyncTemplate, localPath, remotePath)
	}

	staging := strings.TrimSuffix(remotePath, "/") + ".staging-" + xid.New().String()
	if err := c.run(ctx, op, remotePath, c.cfg.SyncTemplate, localPath, staging); err != nil {
		c.discard(staging)
		return err
	}
	if err := c.run(ctx, op, remotePath, c.cfg.PromoteTemplate, staging, remotePath); err != nil {
		c.discard(staging)
		return err
	}
	return nil
}

// discard removes a staging target left behind by a failed push. It runs
// detached from the caller's context, which may already be done.
func (c *CommandClient) discard(staging string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_ = c.run(ctx, "discard", staging, c.cfg.DeleteTemplate, "", staging)
}

func (c *CommandClient) Pull(ctx context.Context, remotePath, localPath string) (err error) {
	const op = "pull"
	start := time.Now()
	defer func() { c.tlog.record(op, remotePath, localPath, start, treeSize(localPath), err) }()

	unlock, err := c.locks.Lock(ctx, remotePath)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	return c.run(ctx, op, remotePath, c.cfg.PullTemplate, remotePath, localPath)
}

func (c *CommandClient) Delete(ctx context.Context, remotePath string) (err error) {
	const op = "delete"
	start := time.Now()
	defer func() { c.tlog.record(op, "", remotePath, start, -1, err) }()

	unlock, err := c.locks.Lock(ctx, remotePath)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	return c.run(ctx, op, remotePath, c.cfg.DeleteTemplate, "", remotePath)
}

func (c *CommandClient) run(ctx context.Context, op, remote, tmpl, source, target string) error {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	script := expandTemplate(tmpl, source, target)
	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", script)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return classifyCommandError(ctx, op, remote, err, out.String())
	}
	return nil
}

func expandTemplate(tmpl, source, target string) string {
	r := strings.NewReplacer("{source}", shellQuote(source), "{target}", shellQuote(target))
	return r.Replace(tmpl)
}

// shellQuote quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commandFailure carries the output of a failed command.
type commandFailure struct {
	err    error
	output string
}

func (f *commandFailure) Error() string {
	out := strings.TrimSpace(f.output)
	if out == "" {
		return f.err.Error()
	}
	return fmt.Sprintf("%v: %s", f.err, out)
}

func (f *commandFailure) Unwrap() error {
	return f.err
}

// rsync exit statuses that carry a meaning for classification.
const (
	rsyncSocketIO    = 10
	rsyncStreamIO    = 12
	rsyncTimeout     = 30
	rsyncConnTimeout = 35
)

func classifyCommandError(ctx context.Context, op, remote string, err error, output string) error {
	if cerr := contextError(ctx, op, remote); cerr != nil {
		return cerr
	}

	failure := &commandFailure{err: err, output: output}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return newTransportError(op, remote, KindRemoteUnavailable, failure)
	}

	lower := strings.ToLower(output)
	code := exitErr.ExitCode()
	switch {
	case code == 126 || strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied"):
		return newTransportError(op, remote, KindPermissionDenied, failure)
	case code == rsyncTimeout || code == rsyncConnTimeout || strings.Contains(lower, "timed out"):
		return newTransportError(op, remote, KindTimeout, failure)
	case code == 127 || code == rsyncSocketIO || code == rsyncStreamIO ||
		containsAny(lower, "connection refused", "could not resolve", "no route to host", "unreachable", "no such file"):
		return newTransportError(op, remote, KindRemoteUnavailable, failure)
	default:
		return newTransportError(op, remote, KindPartialTransfer, failure)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
