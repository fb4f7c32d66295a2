package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const versionLayout = "20060102150405"

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

type migrationFile struct {
	version int64
	name    string
	file    string
}

// CreateSQLMigration writes an empty goose migration <dir>/<version>_<name>.sql.
// The version is the current UTC time, moved past the newest migration in dir
// and in the embedded set so goose applies it last. A name already taken by
// one of those migrations is rejected.
func CreateSQLMigration(dir string, name string) (string, error) {
	return createSQLMigration(dir, name, time.Now().UTC())
}

func createSQLMigration(dir, name string, now time.Time) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := sanitizeName(name)
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	onDisk, err := knownMigrations(os.DirFS(dir))
	if err != nil {
		return "", fmt.Errorf("read %q: %w", dir, err)
	}
	embedded, err := knownMigrations(Migrations())
	if err != nil {
		return "", fmt.Errorf("read embedded migrations: %w", err)
	}
	known := append(onDisk, embedded...)

	for _, m := range known {
		if m.name == safe {
			return "", fmt.Errorf("migration named %q already exists: %s", safe, m.file)
		}
	}

	filename := fmt.Sprintf("%014d_%s.sql", nextVersion(now, known), safe)
	if !sqlFileRe.MatchString(filename) {
		return "", fmt.Errorf("generated filename %q is not a valid migration name", filename)
	}
	fullpath := filepath.Join(dir, filename)
	if _, err := os.Stat(fullpath); err == nil {
		return "", fmt.Errorf("migration already exists: %s", fullpath)
	}

	template := fmt.Sprintf(`-- +goose Up
-- +goose StatementBegin
-- %s
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %s
-- +goose StatementEnd
`, safe, safe)

	if err := os.WriteFile(fullpath, []byte(template), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}

func sanitizeName(name string) string {
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	return strings.Trim(safe, "_")
}

// nextVersion is now as a goose version, or one past the newest known version
// when the clock is behind it.
func nextVersion(now time.Time, known []migrationFile) int64 {
	version, _ := strconv.ParseInt(now.UTC().Format(versionLayout), 10, 64)
	for _, m := range known {
		if m.version >= version {
			version = m.version + 1
		}
	}
	return version
}

func knownMigrations(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []migrationFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", e.Name(), err)
		}
		out = append(out, migrationFile{version: version, name: m[2], file: e.Name()})
	}
	return out, nil
}
