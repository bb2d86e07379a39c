package motorlink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/explorer/internal/motion"
)

// ErrNotCommand is returned for controller lines that are not pendant
// commands (telemetry, echoes). Callers normally ignore them.
var ErrNotCommand = errors.New("not a pendant command")

// CommandKind identifies what a pendant line asks for.
type CommandKind int

const (
	SetIntent CommandKind = iota
	Activate
	Deactivate
)

// Command is a parsed pendant line.
type Command struct {
	Kind   CommandKind
	Intent motion.Intent
}

// ParseCommand parses one of:
//
//	INTENT <forward|backward|left|right|stop>
//	ACTIVATE
//	DEACTIVATE
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrNotCommand
	}
	switch strings.ToUpper(fields[0]) {
	case "INTENT":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("INTENT takes one argument, got %d", len(fields)-1)
		}
		i, err := motion.ParseIntent(fields[1])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: SetIntent, Intent: i}, nil
	case "ACTIVATE":
		return Command{Kind: Activate}, nil
	case "DEACTIVATE":
		return Command{Kind: Deactivate}, nil
	}
	return Command{}, ErrNotCommand
}

// Driver is the part of the motion controller the pendant drives.
type Driver interface {
	SetIntent(motion.Intent)
	Activate()
	Deactivate()
}

// Apply sends cmd to d.
func (c Command) Apply(d Driver) {
	switch c.Kind {
	case SetIntent:
		d.SetIntent(c.Intent)
	case Activate:
		d.Activate()
	case Deactivate:
		d.Deactivate()
	}
}

// RunPendant applies pendant commands read from the link to d until ctx is
// done or the link closes.
func RunPendant(ctx context.Context, link Subscriber, d Driver) {
	id, lines := link.Subscribe()
	defer link.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := ParseCommand(line)
			if errors.Is(err, ErrNotCommand) {
				continue
			}
			if err != nil {
				logf("bad pendant line %q: %v", line, err)
				continue
			}
			cmd.Apply(d)
		}
	}
}
