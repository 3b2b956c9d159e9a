package chaos

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/testground/faultline/pkg/logging"
)

// DefaultKillTemplate kills a random node of a ray cluster.
const DefaultKillTemplate = "ray kill-random-node {config} --yes {hard}"

// CommandClusterConfig configures a CommandCluster. The template accepts the
// {config}, {node} and {hard} placeholders. {hard} expands to "--hard" or to
// nothing.
type CommandClusterConfig struct {
	Template string `toml:"template"`
	Shell    string `toml:"shell"`
}

// CommandCluster kills nodes by running a shell command.
type CommandCluster struct {
	cfg CommandClusterConfig
}

var _ Killer = (*CommandCluster)(nil)

func NewCommandCluster(cfg CommandClusterConfig) (*CommandCluster, error) {
	if cfg.Template == "" {
		cfg.Template = DefaultKillTemplate
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if _, err := exec.LookPath(cfg.Shell); err != nil {
		return nil, fmt.Errorf("shell %q not found: %w", cfg.Shell, err)
	}
	return &CommandCluster{cfg: cfg}, nil
}

// Executable is the program the kill template invokes.
func (c *CommandCluster) Executable() string {
	if f := strings.Fields(c.cfg.Template); len(f) > 0 {
		return f[0]
	}
	return ""
}

func (c *CommandCluster) command(configID, node string, hard bool) string {
	flag := ""
	if hard {
		flag = "--hard"
	}
	return strings.NewReplacer(
		"{config}", shellQuote(configID),
		"{node}", shellQuote(node),
		"{hard}", flag,
	).Replace(c.cfg.Template)
}

func (c *CommandCluster) KillNode(ctx context.Context, configID, node string, hard bool) error {
	line := c.command(configID, node, hard)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", line)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("kill command %q failed: %w: %s", line, err, strings.TrimSpace(out.String()))
	}
	logging.S().Debugw("kill command finished", "command", line, "output", strings.TrimSpace(out.String()))
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
