package catalogue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_Parses(t *testing.T) {
	entries, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected default catalogue to have entries")
	}

	keys := make(map[string]bool)
	for _, e := range entries {
		keys[e.ComboKey] = true
		if len(e.Items) == 0 {
			t.Errorf("entry %q has no items", e.ComboKey)
		}
	}
	for _, want := range []string{"chill", "foodie", "chill|foodie"} {
		if !keys[want] {
			t.Errorf("expected key %q in default catalogue", want)
		}
	}
}

func TestParse_LastEntryWins(t *testing.T) {
	data := `
[[entry]]
combo_key = "a"
  [[entry.items]]
  title = "first"

[[entry]]
combo_key = "a"
  [[entry.items]]
  title = "second"
`
	entries, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len = %d, want 1", len(entries))
	}
	if entries[0].Items[0].Title != "second" {
		t.Errorf("title = %q, want %q", entries[0].Items[0].Title, "second")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "empty combo key",
			data:    "[[entry]]\ncombo_key = \"\"\n",
			wantErr: "combo_key is empty",
		},
		{
			name:    "three parts",
			data:    "[[entry]]\ncombo_key = \"a|b|c\"\n",
			wantErr: "more than two parts",
		},
		{
			name:    "empty part",
			data:    "[[entry]]\ncombo_key = \"a|\"\n",
			wantErr: "empty part",
		},
		{
			name:    "empty title",
			data:    "[[entry]]\ncombo_key = \"a\"\n[[entry.items]]\ntitle = \" \"\n",
			wantErr: "empty title",
		},
		{
			name:    "unknown key",
			data:    "[[entry]]\ncombo_key = \"a\"\nweight = 3\n",
			wantErr: "unknown catalogue keys",
		},
		{
			name:    "malformed",
			data:    "[[entry]\n",
			wantErr: "failed to parse catalogue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Run("empty path uses default", func(t *testing.T) {
		entries, err := LoadFile("")
		if err != nil {
			t.Fatalf("LoadFile() error: %v", err)
		}
		if len(entries) == 0 {
			t.Error("expected default entries")
		}
	})

	t.Run("reads file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalogue.toml")
		data := "[[entry]]\ncombo_key = \"x\"\n[[entry.items]]\ntitle = \"x-1\"\nurl = \"https://example.com/x\"\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		entries, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error: %v", err)
		}
		if len(entries) != 1 || entries[0].Items[0].URL != "https://example.com/x" {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
