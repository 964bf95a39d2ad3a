package commands

import (
	"context"
	"log"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"
)

// ArgSpec describes exactly one positional argument
type ArgSpec struct {
	Name        string
	Type        string
	Required    bool
	Description string
}

// CommandSpec is what each file builds and calls Register on
type CommandSpec struct {
	Name    string
	Args    []ArgSpec
	Handler func(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) ([]byte, error)
}

// CommandContext carries the client connection state into a command.
type CommandContext struct {
	Ctx     context.Context
	Session *Session
}

var registry = make(map[string]*CommandSpec)

// Register wires up your CommandSpec into the global registry
func Register[I any](
	name string,
	args []ArgSpec,
	ensureInputs func(*gridmanager.GridManager, *common.Command, *CommandContext) (I, error),
	execute func(*gridmanager.GridManager, I, *CommandContext) ([]byte, error),
) {
	if name == "" {
		log.Fatalf("command name cannot be empty")
	}

	uppercasedName := strings.ToUpper(name)
	if _, ok := registry[uppercasedName]; ok {
		log.Fatalf("command with name %q already registered", name)
	}

	if ensureInputs == nil {
		log.Fatalf("command %q must supply ensureInput function", name)
	}
	if execute == nil {
		log.Fatalf("command %q must supply execute function", name)
	}

	handler := func(gm *gridmanager.GridManager, cmd *common.Command, ctx *CommandContext) ([]byte, error) {
		slog.Debug("validating command", "command", name, "args", cmd.Args)
		in, err := ensureInputs(gm, cmd, ctx)
		if err != nil {
			slog.Debug("command validation failed", "command", name, "error", err)
			return nil, err
		}

		t0 := time.Now()
		res, err := execute(gm, in, ctx)
		dt := time.Since(t0)

		if err != nil {
			slog.Info("command failed", "command", name, "duration", dt, "error", err)
		} else {
			slog.Debug("command done", "command", name, "duration", dt)
		}
		return res, err
	}

	registry[uppercasedName] = &CommandSpec{
		Name:    name,
		Args:    args,
		Handler: handler,
	}
}

// Get returns the CommandSpec registered under name, if any
func Get(name string) (*CommandSpec, bool) {
	c, ok := registry[strings.ToUpper(name)]
	return c, ok
}

// Names lists the registered commands in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
