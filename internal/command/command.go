// Package command implements reversible edits of vault documents and the
// undo/redo history that replays them.
package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/vonshlovens/vaultcal/internal/vault"
)

// ErrNotExecuted is returned when undoing a command that has not run
var ErrNotExecuted = errors.New("command has not been executed")

// Command is a reversible vault edit. Undo restores the exact state captured
// by Execute.
type Command interface {
	Execute(ctx context.Context) error
	Undo(ctx context.Context) error
	Description() string
}

// CommandError reports a failed command. Partial effects have been reverted
// when it is returned.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func wrap(cmd Command, err error) error {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return err
	}
	return &CommandError{Command: cmd.Description(), Err: err}
}

// snapshot is the content of one document before a command touched it
type snapshot struct {
	path    string
	existed bool
	content []byte
}

func capture(v *vault.Vault, path string) (snapshot, error) {
	content, err := v.Read(path)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return snapshot{path: path}, nil
		}
		return snapshot{}, err
	}
	return snapshot{path: path, existed: true, content: content}, nil
}

// restore puts the document back the way it was
func (s snapshot) restore(v *vault.Vault) error {
	if !s.existed {
		if err := v.Delete(s.path); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return err
		}
		return nil
	}
	return v.Write(s.path, s.content)
}
