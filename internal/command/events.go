package command

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/recurrence"
	"github.com/vonshlovens/vaultcal/internal/vault"
)

// CreateEvent writes a new event document. With an empty Path the document
// is named after Title inside Folder.
type CreateEvent struct {
	Vault    *vault.Vault
	Folder   string
	Path     string
	Title    string
	Metadata parser.Metadata
	Body     string

	created string
}

func (c *CreateEvent) Description() string {
	return fmt.Sprintf("create %q", c.Title)
}

func (c *CreateEvent) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := c.Path
	if target == "" {
		target = c.Vault.UniquePath(c.Folder, c.Title)
	}

	content, err := parser.NewDocument(c.Metadata, c.Body)
	if err != nil {
		return wrap(c, err)
	}
	if err := c.Vault.Create(target, []byte(content)); err != nil {
		return wrap(c, err)
	}
	c.created = target
	return nil
}

func (c *CreateEvent) Undo(ctx context.Context) error {
	if c.created == "" {
		return wrap(c, ErrNotExecuted)
	}
	if err := c.Vault.Delete(c.created); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return wrap(c, err)
	}
	c.created = ""
	return nil
}

// Created returns the path written by the last Execute
func (c *CreateEvent) Created() string {
	return c.created
}

// EditEvent patches the frontmatter of a document
type EditEvent struct {
	Vault  *vault.Vault
	Path   string
	Set    parser.Metadata
	Remove []string

	label  string
	before *snapshot
}

func (c *EditEvent) Description() string {
	if c.label != "" {
		return c.label
	}
	return "edit " + c.Path
}

func (c *EditEvent) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	before, err := c.Vault.Patch(c.Path, c.Set, c.Remove)
	if err != nil {
		return wrap(c, err)
	}
	c.before = &snapshot{path: c.Path, existed: true, content: before}
	return nil
}

func (c *EditEvent) Undo(ctx context.Context) error {
	if c.before == nil {
		return wrap(c, ErrNotExecuted)
	}
	if err := c.before.restore(c.Vault); err != nil {
		return wrap(c, err)
	}
	c.before = nil
	return nil
}

// NewMoveEvent reschedules a document to timing. Keys of the previous timing
// shape are removed.
func NewMoveEvent(v *vault.Vault, fields config.FieldsConfig, docPath string, timing parser.Timing) *EditEvent {
	set, remove := parser.TimingPatch(fields, timing)
	return &EditEvent{
		Vault:  v,
		Path:   docPath,
		Set:    set,
		Remove: remove,
		label:  "move " + docPath,
	}
}

// CloneEvent copies a document next to the original. The copy loses its
// sync link and recurrence group so it stands on its own. A non-nil Timing
// reschedules the copy.
type CloneEvent struct {
	Vault  *vault.Vault
	Fields config.FieldsConfig
	Source string
	Timing parser.Timing

	created string
}

func (c *CloneEvent) Description() string {
	return "clone " + c.Source
}

func (c *CloneEvent) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	content, err := c.Vault.Read(c.Source)
	if err != nil {
		return wrap(c, err)
	}

	set := parser.Metadata{}
	remove := []string{c.Fields.CalendarSync, c.Fields.RecurrenceGroupID, c.Fields.InstanceDate}
	if c.Timing != nil {
		set, remove = parser.TimingPatch(c.Fields, c.Timing)
		remove = append(remove, c.Fields.CalendarSync, c.Fields.RecurrenceGroupID, c.Fields.InstanceDate)
	}
	patched, err := parser.PatchFrontmatter(string(content), set, remove)
	if err != nil {
		return wrap(c, err)
	}

	base := strings.TrimSuffix(path.Base(c.Source), path.Ext(c.Source))
	target := c.Vault.UniquePath(path.Dir(c.Source), base)
	if err := c.Vault.Create(target, []byte(patched)); err != nil {
		return wrap(c, err)
	}
	c.created = target
	return nil
}

func (c *CloneEvent) Undo(ctx context.Context) error {
	if c.created == "" {
		return wrap(c, ErrNotExecuted)
	}
	if err := c.Vault.Delete(c.created); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return wrap(c, err)
	}
	c.created = ""
	return nil
}

// Created returns the path of the copy
func (c *CloneEvent) Created() string {
	return c.created
}

// DeleteEvent removes a document
type DeleteEvent struct {
	Vault *vault.Vault
	Path  string

	before *snapshot
}

func (c *DeleteEvent) Description() string {
	return "delete " + c.Path
}

func (c *DeleteEvent) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := capture(c.Vault, c.Path)
	if err != nil {
		return wrap(c, err)
	}
	if !snap.existed {
		return wrap(c, fmt.Errorf("%s: %w", c.Path, vault.ErrNotFound))
	}
	if err := c.Vault.Delete(c.Path); err != nil {
		return wrap(c, err)
	}
	c.before = &snap
	return nil
}

func (c *DeleteEvent) Undo(ctx context.Context) error {
	if c.before == nil {
		return wrap(c, ErrNotExecuted)
	}
	if err := c.before.restore(c.Vault); err != nil {
		return wrap(c, err)
	}
	c.before = nil
	return nil
}

// ToggleSkip flips the skipped flag of an occurrence. A virtual occurrence is
// materialized as a physical instance document marked skipped, which keeps
// its slot in the series.
type ToggleSkip struct {
	Vault  *vault.Vault
	Fields config.FieldsConfig
	Event  parser.ParsedEvent

	created string
	before  *snapshot
}

func (c *ToggleSkip) Description() string {
	if c.Event.Skipped {
		return fmt.Sprintf("unskip %q", c.Event.Title)
	}
	return fmt.Sprintf("skip %q", c.Event.Title)
}

func (c *ToggleSkip) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Event.Virtual {
		return c.materialize()
	}

	var set parser.Metadata
	var remove []string
	if c.Event.Skipped {
		remove = []string{c.Fields.Skip}
	} else {
		set = parser.Metadata{c.Fields.Skip: true}
	}
	before, err := c.Vault.Patch(c.Event.Path, set, remove)
	if err != nil {
		return wrap(c, err)
	}
	c.before = &snapshot{path: c.Event.Path, existed: true, content: before}
	return nil
}

func (c *ToggleSkip) materialize() error {
	if c.Event.Instance == nil {
		return wrap(c, errors.New("virtual occurrence without instance date"))
	}
	f := c.Fields

	meta := c.Event.Metadata.Clone()
	for _, key := range []string{
		f.RecurrenceType, f.RecurrenceSpec, f.FutureInstances,
		f.RecurrenceOff, f.CalendarSync, f.Start, f.End, f.Date, f.AllDay,
	} {
		delete(meta, key)
	}
	timing, _ := parser.TimingPatch(f, c.Event.Timing)
	for k, v := range timing {
		meta[k] = v
	}
	meta[f.Title] = c.Event.Title
	meta[f.RecurrenceGroupID] = c.Event.Instance.GroupID
	meta[f.InstanceDate] = parser.FormatDate(c.Event.Instance.Date)
	meta[f.Skip] = true

	content, err := parser.NewDocument(meta, "")
	if err != nil {
		return wrap(c, err)
	}
	target := c.Vault.UniquePath(path.Dir(c.Event.Path), c.Event.Title+" "+parser.FormatDate(c.Event.Instance.Date))
	if err := c.Vault.Create(target, []byte(content)); err != nil {
		return wrap(c, err)
	}
	c.created = target
	return nil
}

func (c *ToggleSkip) Undo(ctx context.Context) error {
	switch {
	case c.created != "":
		if err := c.Vault.Delete(c.created); err != nil && !errors.Is(err, vault.ErrNotFound) {
			return wrap(c, err)
		}
		c.created = ""
	case c.before != nil:
		if err := c.before.restore(c.Vault); err != nil {
			return wrap(c, err)
		}
		c.before = nil
	default:
		return wrap(c, ErrNotExecuted)
	}
	return nil
}

// Created returns the instance document written for a virtual occurrence
func (c *ToggleSkip) Created() string {
	return c.created
}

// NewDeleteTemplate deletes a recurring template. Physical instances are
// only deleted with cascade, which the caller must have confirmed.
func NewDeleteTemplate(v *vault.Vault, plan recurrence.DeletionPlan, cascade bool) *Batch {
	b := &Batch{Label: fmt.Sprintf("delete series %q", plan.Template.Title)}
	b.Commands = append(b.Commands, &DeleteEvent{Vault: v, Path: plan.Template.Path})
	if cascade {
		for _, inst := range plan.PhysicalInstances {
			b.Commands = append(b.Commands, &DeleteEvent{Vault: v, Path: inst.Path})
		}
	}
	return b
}

// Batch runs commands as one unit. A failing child rolls back the children
// already applied.
type Batch struct {
	Label    string
	Commands []Command

	applied int
}

func (b *Batch) Description() string {
	if b.Label != "" {
		return b.Label
	}
	return fmt.Sprintf("%d changes", len(b.Commands))
}

func (b *Batch) Execute(ctx context.Context) error {
	for i, cmd := range b.Commands {
		if err := cmd.Execute(ctx); err != nil {
			b.applied = i
			if rerr := b.rollback(ctx); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return &CommandError{Command: b.Description(), Err: err}
		}
	}
	b.applied = len(b.Commands)
	return nil
}

func (b *Batch) Undo(ctx context.Context) error {
	if b.applied == 0 && len(b.Commands) > 0 {
		return wrap(b, ErrNotExecuted)
	}
	if err := b.rollback(ctx); err != nil {
		return wrap(b, err)
	}
	return nil
}

func (b *Batch) rollback(ctx context.Context) error {
	var errs []error
	for ; b.applied > 0; b.applied-- {
		if err := b.Commands[b.applied-1].Undo(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
