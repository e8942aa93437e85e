package sanitize

import (
	"strings"
	"testing"
)

func TestFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain ascii name",
			input: "invoice.pdf",
			want:  "invoice.pdf",
		},
		{
			name:  "diacritics stripped",
			input: "relevé_bancaire.pdf",
			want:  "releve_bancaire.pdf",
		},
		{
			name:  "accented words and spaces",
			input: "Facture électricité mars.pdf",
			want:  "Facture_electricite_mars.pdf",
		},
		{
			name:  "unsafe runs collapse to single underscore",
			input: "a//b\\\\c  d.pdf",
			want:  "a_b_c_d.pdf",
		},
		{
			name:  "leading and trailing underscores trimmed",
			input: "__contrat__.pdf",
			want:  "contrat.pdf",
		},
		{
			name:  "empty base falls back",
			input: "***.pdf",
			want:  "piece-jointe.pdf",
		},
		{
			name:  "empty input falls back without extension",
			input: "",
			want:  "piece-jointe",
		},
		{
			name:  "non ascii only falls back",
			input: "文書.pdf",
			want:  "piece-jointe.pdf",
		},
		{
			name:  "invalid extension dropped",
			input: "archive.p@df",
			want:  "archive",
		},
		{
			name:  "overlong extension dropped",
			input: "report.verylongextensn",
			want:  "report",
		},
		{
			name:  "uppercase extension lowered",
			input: "Scan.PDF",
			want:  "Scan.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filename(tt.input)
			if got != tt.want {
				t.Errorf("Filename(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFilenameCapsLength(t *testing.T) {
	long := strings.Repeat("a", 200) + ".pdf"
	got := Filename(long)

	if len(got) > 84 { // 80 base + ".pdf"
		t.Errorf("Filename() length = %d, want <= 84", len(got))
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Errorf("Filename() = %q, want .pdf suffix preserved", got)
	}
}

func TestFilenameNeverEmpty(t *testing.T) {
	inputs := []string{"", ".", "..", "___", "///", "à", ".hidden"}
	for _, in := range inputs {
		if got := Filename(in); got == "" {
			t.Errorf("Filename(%q) returned empty string", in)
		}
	}
}
