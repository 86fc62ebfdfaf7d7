package fileutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type blockSnapshot struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    bool
		wantIP     string
		wantReason string
	}{
		{
			name:       "valid JSON",
			content:    `{"ip": "192.0.2.1", "reason": "abuse"}`,
			wantIP:     "192.0.2.1",
			wantReason: "abuse",
		},
		{
			name:    "invalid JSON",
			content: `{"ip": "192.0.2.1", invalid}`,
			wantErr: true,
		},
		{
			name:    "empty object",
			content: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test file: %v", err)
			}

			var data blockSnapshot
			err := ReadJSON(path, &data)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data.IP != tt.wantIP {
				t.Errorf("IP = %q, want %q", data.IP, tt.wantIP)
			}
			if data.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", data.Reason, tt.wantReason)
			}
		})
	}
}

func TestReadJSON_FileNotFound(t *testing.T) {
	var data blockSnapshot
	err := ReadJSON("/nonexistent/path/file.json", &data)
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic.json")

	data := []blockSnapshot{{IP: "192.0.2.1", Reason: "abuse"}}
	if err := WriteJSONAtomic(path, data, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not exist after successful write")
	}

	var readData []blockSnapshot
	if err := ReadJSON(path, &readData); err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if !reflect.DeepEqual(readData, data) {
		t.Errorf("read data = %+v, want %+v", readData, data)
	}
}

func TestWriteJSONAtomic_InvalidData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atomic.json")

	if err := WriteJSONAtomic(path, make(chan int), 0644); err == nil {
		t.Error("expected error for unmarshalable data, got nil")
	}
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.txt")
	content := "# blocked addresses\n192.0.2.1\n\n  198.51.100.7   # scanner\n#203.0.113.1\n2001:db8::1\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}

	want := []string{"192.0.2.1", "198.51.100.7", "2001:db8::1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadLines = %v, want %v", got, want)
	}
}

func TestWriteLinesAtomic_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocked.txt")
	lines := []string{"192.0.2.1", "198.51.100.7"}

	if err := WriteLinesAtomic(path, lines, 0644); err != nil {
		t.Fatalf("WriteLinesAtomic failed: %v", err)
	}

	got, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines failed: %v", err)
	}
	if !reflect.DeepEqual(got, lines) {
		t.Errorf("round trip = %v, want %v", got, lines)
	}
}
