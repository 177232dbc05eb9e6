package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	local := filepath.Join(t.TempDir(), "notes.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF-1.4"), 0o644))

	cases := []struct {
		input string
		want  Source
	}{
		{local, Source{Name: "notes.pdf", Path: local}},
		{"https://example.com/papers/survey.pdf", Source{Name: "survey.pdf", URL: "https://example.com/papers/survey.pdf"}},
		{"https://arxiv.org/abs/2101.00001", Source{Name: "arXiv:2101.00001", URL: "https://arxiv.org/pdf/2101.00001.pdf"}},
		{"https://arxiv.org/pdf/2101.00001v3.pdf", Source{Name: "arXiv:2101.00001", URL: "https://arxiv.org/pdf/2101.00001.pdf"}},
		{"arXiv:2305.12345", Source{Name: "arXiv:2305.12345", URL: "https://arxiv.org/pdf/2305.12345.pdf"}},
		{" 2305.12345 ", Source{Name: "arXiv:2305.12345", URL: "https://arxiv.org/pdf/2305.12345.pdf"}},
	}
	for _, tc := range cases {
		got, err := Resolve(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.want, got, tc.input)
	}
}

func TestResolveRejectsUnknownInput(t *testing.T) {
	_, err := Resolve("")
	assert.Error(t, err)
	_, err = Resolve("definitely-not-here.pdf")
	assert.Error(t, err)
}
