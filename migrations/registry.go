// Package migrations exposes the embedded grant schema per SQL dialect.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	polar "github.com/esinanturan/polar"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	DefaultSourceLabel = "polar-grants"

	rootDir   = "data/sql/migrations"
	sqliteDir = "sqlite"
)

// FilesystemSpec is one dialect's migration directory.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel string
	Dialects    []string
	Filesystems []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the given dialects. Driver
// aliases such as "sqlite3" or "pg" are accepted.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		var dialects []string
		for _, target := range targets {
			if dialect, err := ResolveDialect(target); err == nil && !slices.Contains(dialects, dialect) {
				dialects = append(dialects, dialect)
			}
		}
		if len(dialects) > 0 {
			r.Dialects = dialects
		}
	}
}

// ResolveDialect maps database driver names onto a migration dialect.
func ResolveDialect(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported dialect %q", name)
	}
}

// OnlyDialect adapts a plain registrar, usually a persistence client's
// RegisterSQLMigrations, into a RegisterFunc that ignores other dialects.
func OnlyDialect(dialect string, register func(fsys fs.FS)) RegisterFunc {
	return func(_ context.Context, candidate string, _ string, fsys fs.FS) error {
		if register == nil || candidate != dialect {
			return nil
		}
		register(fsys)
		return nil
	}
}

// Filesystems splits the embedded tree (or source, when given) into the
// postgres root and its sqlite subdirectory. Each must hold *.up.sql files.
func Filesystems(source ...fs.FS) ([]FilesystemSpec, error) {
	root := polar.GetMigrationsFS()
	if len(source) > 0 && source[0] != nil {
		root = source[0]
	}

	postgresFS, err := fs.Sub(root, rootDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: %s not found: %w", rootDir, err)
	}
	sqliteFS, err := fs.Sub(postgresFS, sqliteDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	entries := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: rootDir, FS: postgresFS},
		{Dialect: DialectSQLite, Path: rootDir + "/" + sqliteDir, FS: sqliteFS},
	}
	for _, entry := range entries {
		ups, err := fs.Glob(entry.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s: %w", entry.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: %s has no *.up.sql files", entry.Path)
		}
	}
	return entries, nil
}

// Register hands every selected dialect filesystem to registerFn.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel: DefaultSourceLabel,
		Dialects:    []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	for _, entry := range filesystems {
		if !slices.Contains(reg.Dialects, entry.Dialect) {
			continue
		}
		if err := registerFn(ctx, entry.Dialect, reg.SourceLabel, entry.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s: %w", entry.Dialect, err)
		}
		reg.Filesystems = append(reg.Filesystems, entry)
	}
	return reg, nil
}
