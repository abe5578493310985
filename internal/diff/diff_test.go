package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		context int
		want    string
		adds    int
		dels    int
	}{
		{
			name: "identical",
			old:  "a\nb\n",
			new:  "a\nb\n",
			want: "",
		},
		{
			name:    "replace in the middle",
			old:     "a\nb\nc\nd\ne\n",
			new:     "a\nb\nX\nd\ne\n",
			context: 1,
			want:    "@@ -2,3 +2,3 @@\n b\n-c\n+X\n d\n",
			adds:    1,
			dels:    1,
		},
		{
			name:    "from empty",
			old:     "",
			new:     "one\ntwo\n",
			context: 3,
			want:    "@@ -0,0 +1,2 @@\n+one\n+two\n",
			adds:    2,
		},
		{
			name:    "to empty",
			old:     "one\n",
			new:     "",
			context: 3,
			want:    "@@ -1,1 +0,0 @@\n-one\n",
			dels:    1,
		},
		{
			name:    "distant changes make two hunks",
			old:     "1\n2\n3\n4\n5\n6\n7\n8\n",
			new:     "0\n2\n3\n4\n5\n6\n7\n9\n",
			context: 1,
			want:    "@@ -1,2 +1,2 @@\n-1\n+0\n 2\n@@ -7,2 +7,2 @@\n 7\n-8\n+9\n",
			adds:    2,
			dels:    2,
		},
		{
			name:    "close changes share a hunk",
			old:     "1\n2\n3\n4\n",
			new:     "0\n2\n3\n5\n",
			context: 1,
			want:    "@@ -1,4 +1,4 @@\n-1\n+0\n 2\n 3\n-4\n+5\n",
			adds:    2,
			dels:    2,
		},
		{
			name:    "insertion",
			old:     "a\nc\n",
			new:     "a\nb\nc\n",
			context: 0,
			want:    "@@ -1,0 +2,1 @@\n+b\n",
			adds:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewEngine(tt.context).Diff([]byte(tt.old), []byte(tt.new))
			require.NotNil(t, r)
			assert.Equal(t, tt.want, r.Format())
			assert.Equal(t, tt.adds, r.Additions)
			assert.Equal(t, tt.dels, r.Deletions)
			assert.Equal(t, tt.want == "", r.Equal())
		})
	}
}

func TestDiffBinary(t *testing.T) {
	r := NewEngine(3).Diff([]byte("a\x00b"), []byte("a\x00c"))
	assert.True(t, r.Binary)
	assert.False(t, r.Equal())
	assert.Equal(t, "Binary files differ\n", r.Format())

	assert.True(t, NewEngine(3).Diff([]byte("\x00"), []byte("\x00")).Equal())
}

func TestDiffLineNumbers(t *testing.T) {
	r := NewEngine(0).Diff([]byte("a\nb\nc\n"), []byte("a\nB\nc\n"))
	require.Len(t, r.Hunks, 1)
	lines := r.Hunks[0].Lines
	require.Len(t, lines, 2)
	assert.Equal(t, Line{Type: Deletion, Content: "b", OldNum: 2}, lines[0])
	assert.Equal(t, Line{Type: Addition, Content: "B", NewNum: 2}, lines[1])
}
