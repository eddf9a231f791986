package model

import "testing"

func TestParseSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Source
	}{
		{"csv", SourceCSV},
		{" xlsx ", SourceXLSX},
		{"google_sheets", SourceGoogleSheets},
		{"xml", Source("XML")},
	}
	for _, tt := range tests {
		if got := ParseSource(tt.in); got != tt.want {
			t.Fatalf("ParseSource(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestVersionTransition walks every state pair of the processing lifecycle.
func TestVersionTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to VersionStatus
		ok       bool
	}{
		{VersionPending, VersionProcessing, true},
		{VersionPending, VersionFailed, true},
		{VersionPending, VersionDone, false},
		{VersionPending, VersionPending, false},
		{VersionProcessing, VersionDone, true},
		{VersionProcessing, VersionFailed, true},
		{VersionProcessing, VersionPending, false},
		{VersionDone, VersionProcessing, false},
		{VersionDone, VersionFailed, false},
		{VersionFailed, VersionProcessing, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			v := &Version{ID: 1, Status: tt.from}
			err := v.Transition(tt.to)
			if (err == nil) != tt.ok {
				t.Fatalf("Transition(%s -> %s) err=%v, want ok=%v", tt.from, tt.to, err, tt.ok)
			}
			if tt.ok && v.Status != tt.to {
				t.Fatalf("status = %s, want %s", v.Status, tt.to)
			}
			if !tt.ok && v.Status != tt.from {
				t.Fatalf("status changed to %s on rejected transition", v.Status)
			}
		})
	}
}

func TestBlockedBySensitivity(t *testing.T) {
	t.Parallel()

	sensitive := []Column{{Nome: "nome"}, {Nome: "cpf", Sensitive: true}}
	clean := []Column{{Nome: "valor"}}

	tests := []struct {
		name string
		vis  Visibility
		cols []Column
		want bool
	}{
		{"public with cpf", VisibilityPublic, sensitive, true},
		{"public clean", VisibilityPublic, clean, false},
		{"internal with cpf", VisibilityInternal, sensitive, false},
		{"public no columns", VisibilityPublic, nil, false},
	}
	for _, tt := range tests {
		d := &Dataset{Visibilidade: tt.vis}
		if got := d.BlockedBySensitivity(tt.cols); got != tt.want {
			t.Fatalf("%s: BlockedBySensitivity = %v, want %v", tt.name, got, tt.want)
		}
	}
}
