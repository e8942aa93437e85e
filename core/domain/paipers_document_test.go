package domain

import "testing"

func TestIsPDF(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		mimeType string
		want     bool
	}{
		{"pdf mime and extension", "facture.pdf", "application/pdf", true},
		{"uppercase extension, generic mime", "RELEVE.PDF", "application/octet-stream", true},
		{"mixed case extension", "Contrat.Pdf", "", true},
		{"pdf mime, foreign extension", "scan.dat", "application/pdf", true},
		{"uppercase mime", "scan.dat", "Application/PDF", true},
		{"image attachment", "photo.jpg", "image/jpeg", false},
		{"generic mime, no extension", "piece-jointe", "application/octet-stream", false},
		{"pdf embedded mid-name", "report.pdf.exe", "application/octet-stream", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPDF(tt.filename, tt.mimeType); got != tt.want {
				t.Errorf("IsPDF(%q, %q) = %v, want %v", tt.filename, tt.mimeType, got, tt.want)
			}
		})
	}
}

func TestStubTitle(t *testing.T) {
	tests := []struct {
		name      string
		candidate AttachmentCandidate
		want      string
	}{
		{"filename wins", AttachmentCandidate{Filename: "facture.pdf", Subject: "Votre facture"}, "facture.pdf"},
		{"subject fallback", AttachmentCandidate{Subject: "Votre facture"}, "Votre facture"},
		{"generic fallback", AttachmentCandidate{}, "Document Gmail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.candidate.StubTitle(); got != tt.want {
				t.Errorf("StubTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}
