// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"
)

// maxCells bounds the LCS table. Larger inputs are reported as a single
// replacement hunk.
const maxCells = 16 << 20

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// Line is one line of a hunk. OldNum and NewNum are 1-based and zero when
// the line does not exist on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Result is the line diff between two versions of a file.
type Result struct {
	Hunks     []Hunk
	Additions int
	Deletions int
	// Binary is set when either side contains a NUL byte and the two
	// differ. No hunks are produced for binary content.
	Binary bool
}

// Equal reports whether the two sides were identical.
func (r *Result) Equal() bool {
	return !r.Binary && len(r.Hunks) == 0
}

// Format renders r in unified diff style, without file headers.
func (r *Result) Format() string {
	if r.Binary {
		return "Binary files differ\n"
	}
	var b strings.Builder
	for _, h := range r.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
		for _, l := range h.Lines {
			switch l.Type {
			case Addition:
				b.WriteByte('+')
			case Deletion:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{contextLines: contextLines}
}

// Diff compares two versions line by line.
func (e *Engine) Diff(oldContent, newContent []byte) *Result {
	if bytes.Equal(oldContent, newContent) {
		return &Result{}
	}
	if bytes.IndexByte(oldContent, 0) >= 0 || bytes.IndexByte(newContent, 0) >= 0 {
		return &Result{Binary: true}
	}

	script := editScript(splitLines(oldContent), splitLines(newContent))

	result := &Result{Hunks: e.hunks(script)}
	for _, l := range script {
		switch l.Type {
		case Addition:
			result.Additions++
		case Deletion:
			result.Deletions++
		}
	}
	return result
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

// editScript returns every line of both inputs tagged as context, deletion
// or addition, in output order.
func editScript(a, b []string) []Line {
	// Common prefix and suffix need no table.
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	script := make([]Line, 0, len(a)+len(b))
	for i := 0; i < pre; i++ {
		script = append(script, Line{Type: Context, Content: a[i], OldNum: i + 1, NewNum: i + 1})
	}

	midA, midB := a[pre:len(a)-suf], b[pre:len(b)-suf]
	script = append(script, middle(midA, midB, pre)...)

	for k := 0; k < suf; k++ {
		i, j := len(a)-suf+k, len(b)-suf+k
		script = append(script, Line{Type: Context, Content: a[i], OldNum: i + 1, NewNum: j + 1})
	}
	return script
}

func middle(a, b []string, offset int) []Line {
	n, m := len(a), len(b)
	var out []Line

	if (n+1)*(m+1) > maxCells {
		for i, s := range a {
			out = append(out, Line{Type: Deletion, Content: s, OldNum: offset + i + 1})
		}
		for j, s := range b {
			out = append(out, Line{Type: Addition, Content: s, NewNum: offset + j + 1})
		}
		return out
	}

	// lcs[i][j] is the LCS length of a[i:] and b[j:].
	lcs := make([][]int32, n+1)
	for i := range lcs {
		lcs[i] = make([]int32, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && a[i] == b[j]:
			out = append(out, Line{Type: Context, Content: a[i], OldNum: offset + i + 1, NewNum: offset + j + 1})
			i++
			j++
		case j == m || (i < n && lcs[i+1][j] >= lcs[i][j+1]):
			out = append(out, Line{Type: Deletion, Content: a[i], OldNum: offset + i + 1})
			i++
		default:
			out = append(out, Line{Type: Addition, Content: b[j], NewNum: offset + j + 1})
			j++
		}
	}
	return out
}

// hunks groups changed lines with up to contextLines of surrounding
// context. Changes separated by at most twice that share a hunk.
func (e *Engine) hunks(script []Line) []Hunk {
	ctx := e.contextLines

	// oldPos[k] and newPos[k] count the lines of each side before script[k].
	oldPos := make([]int, len(script)+1)
	newPos := make([]int, len(script)+1)
	for k, l := range script {
		oldPos[k+1], newPos[k+1] = oldPos[k], newPos[k]
		if l.Type != Addition {
			oldPos[k+1]++
		}
		if l.Type != Deletion {
			newPos[k+1]++
		}
	}

	var hunks []Hunk
	for k := 0; k < len(script); {
		if script[k].Type == Context {
			k++
			continue
		}

		start := max(0, k-ctx)
		end := k
		for end < len(script) {
			if script[end].Type != Context {
				end++
				continue
			}
			run := end
			for run < len(script) && script[run].Type == Context {
				run++
			}
			if run < len(script) && run-end <= 2*ctx {
				end = run
				continue
			}
			break
		}
		stop := min(len(script), end+ctx)

		h := Hunk{
			OldStart: oldPos[start],
			OldLines: oldPos[stop] - oldPos[start],
			NewStart: newPos[start],
			NewLines: newPos[stop] - newPos[start],
			Lines:    script[start:stop],
		}
		if h.OldLines > 0 {
			h.OldStart++
		}
		if h.NewLines > 0 {
			h.NewStart++
		}
		hunks = append(hunks, h)
		k = stop
	}
	return hunks
}
