package mapsaver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/banshee-data/explorer/internal/config"
	"github.com/banshee-data/explorer/internal/monitoring"
)

var logf = monitoring.Tagged("MapSaver")

// Failure classes reported by SaveMap. Non-zero exits are returned as a
// wrapped *exec.ExitError.
var (
	ErrSaveTimeout = errors.New("map save timed out")
	ErrToolMissing = errors.New("map saver tool not found")
)

// Persister is anything that can save the final map.
type Persister interface {
	SaveMap(ctx context.Context) error
}

// Saver runs the external map saver tool with the output path appended as the
// last argument.
type Saver struct {
	Command     []string
	Path        string
	Timeout     time.Duration
	AllowedDirs []string

	builder CommandBuilder
}

// NewSaver creates a saver from the explorer config. builder may be nil to
// run real processes.
func NewSaver(c *config.ExplorerConfig, builder CommandBuilder) *Saver {
	if builder == nil {
		builder = ExecCommandBuilder{}
	}
	return &Saver{
		Command:     c.GetMapSaverCommand(),
		Path:        c.GetMapSavePath(),
		Timeout:     c.GetMapSaveTimeout(),
		AllowedDirs: DefaultAllowedDirs(),
		builder:     builder,
	}
}

// OutputPath returns the expanded, validated output path prefix.
func (s *Saver) OutputPath() (string, error) {
	path, err := ExpandHome(s.Path)
	if err != nil {
		return "", err
	}
	if err := CheckPath(path, s.AllowedDirs); err != nil {
		return "", err
	}
	return path, nil
}

// SaveMap runs the tool and waits for it, bounded by Timeout and ctx.
func (s *Saver) SaveMap(ctx context.Context) error {
	if len(s.Command) == 0 {
		return fmt.Errorf("%w: empty command", ErrToolMissing)
	}
	path, err := s.OutputPath()
	if err != nil {
		return err
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), s.Command[1:]...), path)
	logf("saving map to %s...", path)
	out, err := s.builder.BuildCommand(ctx, s.Command[0], args...).Run()
	if err == nil {
		logf("map saved to %s", path)
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrSaveTimeout, s.Timeout, err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", ErrToolMissing, s.Command[0], err)
	}
	if trimmed := strings.TrimSpace(string(out)); trimmed != "" {
		return fmt.Errorf("map saver failed: %w (output: %s)", err, trimmed)
	}
	return fmt.Errorf("map saver failed: %w", err)
}

// Chain runs every persister in order and returns the first error. A failing
// step does not prevent later steps from running. Each step gets the whole
// budget ctx had when the chain started, so a tool that runs into the
// deadline does not starve the steps after it.
type Chain []Persister

func (c Chain) SaveMap(ctx context.Context) error {
	budget := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}

	var first error
	for _, p := range c {
		if p == nil {
			continue
		}
		if err := runStep(ctx, p, budget); err != nil {
			logf("map persistence step failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func runStep(ctx context.Context, p Persister, budget time.Duration) error {
	if budget < 0 {
		return p.SaveMap(ctx)
	}
	stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()
	return p.SaveMap(stepCtx)
}
