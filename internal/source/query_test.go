package source

import (
	"strings"
	"testing"
	"time"
)

func TestBuildQuery(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		projects []string
		since    string
		want     string
		wantErr  bool
	}{
		{
			name: "no filters",
			want: "ORDER BY created DESC",
		},
		{
			name:     "single project",
			projects: []string{"MSS"},
			want:     "project = MSS ORDER BY created DESC",
		},
		{
			name:     "project allow list",
			projects: []string{"MSS", "OPS"},
			want:     "project in (MSS, OPS) ORDER BY created DESC",
		},
		{
			name:     "absolute since",
			projects: []string{"MSS"},
			since:    "2026-08-01",
			want:     `project = MSS AND updated >= "2026-08-01 00:00" ORDER BY created DESC`,
		},
		{
			name:    "unparseable since",
			since:   "a fortnight past the equinox",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildQuery(tt.projects, tt.since, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("BuildQuery() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildQuery() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildQuery_NaturalLanguageSince(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC)

	got, err := BuildQuery([]string{"MSS"}, "yesterday", now)
	if err != nil {
		t.Fatalf("BuildQuery() failed: %v", err)
	}
	if !strings.Contains(got, `updated >= "2026-08-20`) {
		t.Errorf("query = %q, want an updated clause on 2026-08-20", got)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 8, 21, 10, 30, 0, 0, time.UTC)

	got, err := ParseSince("2026-08-01 09:15", now)
	if err != nil {
		t.Fatalf("ParseSince() failed: %v", err)
	}
	want := time.Date(2026, 8, 1, 9, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseSince() = %v, want %v", got, want)
	}

	if _, err := ParseSince("gibberish o'clock", now); err == nil {
		t.Error("ParseSince() accepted gibberish")
	}
}
