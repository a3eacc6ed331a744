// Package manifest tracks which SSTable files belong to which level.
// It persists as a plain text file, one entry per line in the form
// "L<level>:<filename>", written in the order the entries are held
// (Add appends at the end; Replace keeps the order it is given). Lines
// starting with '#' are
// comments and ignored on load. Every rewrite is atomic: a temp file is
// written and fsynced, then renamed over the manifest path.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// Entry names one SSTable file and the level it belongs to.
type Entry struct {
	Level int
	File  string
}

// Manifest is the ordered, levelled list of live SSTable files.
type Manifest struct {
	path    string
	entries []Entry
}

// Open loads path if it exists, or returns an empty Manifest bound to
// path if it does not.
func Open(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{path: path}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("manifest: %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	return &Manifest{path: path, entries: entries}, nil
}

func parseLine(line string) (Entry, error) {
	if len(line) < 2 || line[0] != 'L' {
		return Entry{}, fmt.Errorf("malformed line %q", line)
	}
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return Entry{}, fmt.Errorf("malformed line %q", line)
	}
	level, err := strconv.Atoi(line[1:colon])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed level in %q: %w", line, err)
	}
	file := line[colon+1:]
	if file == "" {
		return Entry{}, fmt.Errorf("malformed line %q: empty filename", line)
	}
	return Entry{Level: level, File: file}, nil
}

// Entries returns the manifest's current content in file order.
func (m *Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Level returns the filenames at level, in file order.
func (m *Manifest) Level(level int) []string {
	var out []string
	for _, e := range m.entries {
		if e.Level == level {
			out = append(out, e.File)
		}
	}
	return out
}

// Add appends file at level and atomically persists the result.
func (m *Manifest) Add(level int, file string) error {
	m.entries = append(m.entries, Entry{Level: level, File: file})
	return m.save()
}

// Replace swaps the manifest's entire content and atomically persists
// it; used by flush and compaction, which rewrite L0 and L1 in one
// step, so a crash leaves either the old or the new file list on disk,
// never a mix of the two.
func (m *Manifest) Replace(entries []Entry) error {
	m.entries = append([]Entry(nil), entries...)
	return m.save()
}

func (m *Manifest) save() error {
	var buf bytes.Buffer
	for _, e := range m.entries {
		fmt.Fprintf(&buf, "L%d:%s\n", e.Level, e.File)
	}
	return atomic.WriteFile(m.path, bytes.NewReader(buf.Bytes()))
}
