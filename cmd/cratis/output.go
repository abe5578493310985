package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"cratis/internal/diff"
	cerrors "cratis/internal/errors"
	"cratis/internal/ledger"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

const diffContext = 3

// showDiff prints the changes to path between the versions live at from
// and to. A zero from means the version before the one at to. A missing or
// deleted side compares as empty.
func showDiff(b backend, path string, from, to time.Time) error {
	newRec, newData, err := version(b, path, to)
	if err != nil {
		return explain(err)
	}

	if from.IsZero() {
		if newRec.Timestamp.IsZero() {
			return fmt.Errorf("no version of %s at that time", path)
		}
		from = newRec.Timestamp.Add(-time.Nanosecond)
	}

	oldRec, oldData, err := version(b, path, from)
	if err != nil {
		return explain(err)
	}

	result := diff.NewEngine(diffContext).Diff(oldData, newData)
	if result.Equal() {
		fmt.Println("No differences")
		return nil
	}

	header := color.New(color.FgCyan, color.Bold)
	header.Printf("--- %s\t%s\n", path, describe(oldRec))
	header.Printf("+++ %s\t%s\n", path, describe(newRec))
	printColoredDiff(result.Format())
	fmt.Printf("%s, %s\n",
		color.GreenString("%d additions(+)", result.Additions),
		color.RedString("%d deletions(-)", result.Deletions))
	return nil
}

// version returns the record and content of path at ts. Tombstones and
// times before the first version yield an empty side instead of an error.
func version(b backend, path string, ts time.Time) (ledger.Record, []byte, error) {
	rec, data, err := b.RestoreFile(path, ts)
	switch {
	case err == nil:
		return rec, data, nil
	case errors.Is(err, cerrors.ErrDeleted):
		return rec, nil, nil
	case errors.Is(err, cerrors.ErrNoSuchVersion):
		return ledger.Record{}, nil, nil
	}
	return rec, nil, err
}

func describe(r ledger.Record) string {
	switch {
	case r.Timestamp.IsZero():
		return "(none)"
	case r.Deleted():
		return formatTime(r.Timestamp) + " deleted"
	}
	return formatTime(r.Timestamp)
}

func printColoredDiff(diff string) {
	// Create color objects
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	// Process diff line by line
	for _, line := range strings.Split(strings.TrimSuffix(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func formatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05.000"), humanize.Time(t))
}

// treePath accepts a path relative to the backup root or an absolute path
// inside it.
func treePath(arg string) (string, error) {
	if !filepath.IsAbs(arg) {
		return arg, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	root, err := filepath.Abs(cfg.Backup.Root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, arg)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the backup root %s", arg, root)
	}
	return filepath.ToSlash(rel), nil
}
