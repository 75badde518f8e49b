package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"tradecore/internal/schema"
)

func (a *App) schemaRegistry() *schema.Registry {
	return schema.NewRegistry(schema.Options{
		Path:      a.Config.Schema.Path,
		BackupDir: a.Config.Schema.BackupDir,
	}, a.Logger)
}

// SchemaHash prints the version and the normalized hash of the current schema.
func (a *App) SchemaHash(w io.Writer) error {
	reg := a.schemaRegistry()
	snap, err := reg.Snapshot()
	if err != nil {
		return err
	}
	hash, err := snap.Hash()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "version: %s\nhash: %s\n", snap.SchemaVersion, hash)
	return nil
}

// SchemaCheck runs the pre-extract guard. A blocked guard is an error so the
// command exits non-zero.
func (a *App) SchemaCheck(w io.Writer, expected string) error {
	if expected == "" {
		expected = a.Config.Runtime.ExpectedSchemaVersion
	}
	res := a.schemaRegistry().CheckBeforeExtract(expected)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Allowed {
		return fmt.Errorf("schema guard blocked: %s", res.Reason)
	}
	return nil
}

// SchemaDiff compares the candidate document at path with the current schema
// without writing anything.
func (a *App) SchemaDiff(w io.Writer, path string) error {
	next, err := readSchema(path)
	if err != nil {
		return err
	}
	plan, err := a.schemaRegistry().Plan(next)
	if err != nil {
		return err
	}
	return writePlan(w, plan)
}

// SchemaApply persists the candidate document at path with a diff-driven version.
func (a *App) SchemaApply(w io.Writer, path string) error {
	next, err := readSchema(path)
	if err != nil {
		return err
	}
	res, err := a.schemaRegistry().Apply(next)
	if err != nil {
		return err
	}
	if err := writePlan(w, res); err != nil {
		return err
	}
	if res.BackupPath != "" {
		fmt.Fprintf(w, "backup: %s\n", res.BackupPath)
	}
	return nil
}

func readSchema(path string) (*schema.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read candidate schema: %w", err)
	}
	return schema.Parse(raw)
}

func writePlan(w io.Writer, plan schema.ApplyResult) error {
	fmt.Fprintf(w, "version: %s -> %s (%s: %s)\n", plan.OldVersion, plan.NewVersion, plan.Bump.Bump, plan.Bump.Reason)
	if len(plan.Items) == 0 {
		fmt.Fprintln(w, "no changes")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Sheet\tKind\tKey\tBefore\tAfter")
	for _, it := range plan.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Sheet, it.Kind, it.Key, inline(it.Before), inline(it.After))
	}
	return tw.Flush()
}

func inline(v any) string {
	if v == nil {
		return "-"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return sanitizeInline(string(b))
}
