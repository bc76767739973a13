package schema

import (
	"strings"
	"testing"
)

func TestAll(t *testing.T) {
	schemas, err := All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(schemas) != len(registry) {
		t.Errorf("All() returned %d schemas, want %d", len(schemas), len(registry))
	}
	for _, s := range schemas {
		if !strings.Contains(s.JSON, `"type": "object"`) {
			t.Errorf("%s schema does not describe an object", s.Name)
		}
	}
}

func TestGet(t *testing.T) {
	t.Run("existing schema", func(t *testing.T) {
		s, err := Get(FastDownload)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", FastDownload, err)
		}
		if s.Name != FastDownload || s.JSON == "" {
			t.Errorf("Get() = %+v", s)
		}
	})

	t.Run("non-existent schema", func(t *testing.T) {
		if _, err := Get("NonExistent"); err == nil {
			t.Error("expected error for non-existent schema")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		data    string
		wantErr bool
	}{
		{
			name:   "flaresolverr ok",
			schema: FlareSolverrResponse,
			data:   `{"status":"ok","solution":{"url":"https://x","status":200,"response":"<html></html>"}}`,
		},
		{
			name:    "flaresolverr ok without solution",
			schema:  FlareSolverrResponse,
			data:    `{"status":"ok"}`,
			wantErr: true,
		},
		{
			name:   "flaresolverr error",
			schema: FlareSolverrResponse,
			data:   `{"status":"error","message":"challenge not solved"}`,
		},
		{
			name:    "flaresolverr unknown status",
			schema:  FlareSolverrResponse,
			data:    `{"status":"maybe"}`,
			wantErr: true,
		},
		{
			name:   "fast download url",
			schema: FastDownload,
			data:   `{"download_url":"https://mirror/file.epub"}`,
		},
		{
			name:   "fast download error",
			schema: FastDownload,
			data:   `{"download_url":null,"error":"Invalid key"}`,
		},
		{
			name:    "fast download empty",
			schema:  FastDownload,
			data:    `{}`,
			wantErr: true,
		},
		{
			name:    "not json",
			schema:  FastDownload,
			data:    `<html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.schema, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	if err := Decode(FastDownload, []byte(`{"download_url":"https://m/f"}`), &out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.DownloadURL != "https://m/f" {
		t.Errorf("DownloadURL = %q", out.DownloadURL)
	}
}
