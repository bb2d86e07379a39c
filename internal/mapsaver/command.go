// Package mapsaver persists the explored map when a mission ends: it runs the
// external map saver tool and renders a PNG preview of the final grid.
package mapsaver

import (
	"context"
	"os/exec"
	"sync"
)

// Command is a prepared process invocation.
type Command interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder creates commands bound to a context; cancelling the context
// kills the process.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, name string, args ...string) Command
}

// ExecCommandBuilder builds commands with exec.CommandContext.
type ExecCommandBuilder struct{}

func (ExecCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) Command {
	return &execCommand{cmd: exec.CommandContext(ctx, name, args...)}
}

type execCommand struct {
	cmd *exec.Cmd
}

func (c *execCommand) Run() ([]byte, error) {
	return c.cmd.CombinedOutput()
}

// MockCommand is a Command with a scripted result.
type MockCommand struct {
	Output []byte
	Err    error
	// Block, when set, makes Run wait for the context to end and return
	// its error, imitating a hung tool.
	Block bool

	ctx       context.Context
	RunCalled bool
}

func (m *MockCommand) Run() ([]byte, error) {
	m.RunCalled = true
	if m.Block {
		<-m.ctx.Done()
		return m.Output, m.ctx.Err()
	}
	return m.Output, m.Err
}

// MockBuiltCommand records one BuildCommand call.
type MockBuiltCommand struct {
	Name string
	Args []string
}

// MockCommandBuilder records built commands and hands out scripted results.
type MockCommandBuilder struct {
	mu       sync.Mutex
	Commands []MockBuiltCommand
	// Next is returned by the next BuildCommand call; a fresh MockCommand is
	// used when nil.
	Next *MockCommand
}

func (b *MockCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Commands = append(b.Commands, MockBuiltCommand{Name: name, Args: append([]string(nil), args...)})
	cmd := b.Next
	b.Next = nil
	if cmd == nil {
		cmd = &MockCommand{}
	}
	cmd.ctx = ctx
	return cmd
}

// LastCommand returns the most recently built command, or nil if none.
func (b *MockCommandBuilder) LastCommand() *MockBuiltCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Commands) == 0 {
		return nil
	}
	c := b.Commands[len(b.Commands)-1]
	return &c
}
