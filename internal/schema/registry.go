// Package schema holds the JSON schemas of responses bookdrop consumes from
// external services, and validates payloads against them.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Names of the embedded schemas.
const (
	FlareSolverrResponse = "flaresolverr_response"
	FastDownload         = "fast_download"
)

// Schema is a named JSON schema document.
type Schema struct {
	Name string
	JSON string
}

var registry = []string{
	FlareSolverrResponse,
	FastDownload,
}

var (
	compiledMu sync.Mutex
	compiled   = make(map[string]*jsonschema.Schema)
)

// All returns every schema sorted by name.
func All() ([]Schema, error) {
	out := make([]Schema, 0, len(registry))
	for _, name := range registry {
		s, err := Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a single schema by name.
func Get(name string) (*Schema, error) {
	for _, n := range registry {
		if n != name {
			continue
		}
		content, err := schemaFS.ReadFile(filename(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		return &Schema{Name: name, JSON: string(content)}, nil
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}

// Validate checks data against the named schema.
func Validate(name string, data []byte) error {
	sch, err := compile(name)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("response does not match %s schema: %w", name, err)
	}
	return nil
}

// Decode validates data against the named schema and unmarshals it into v.
func Decode(name string, data []byte, v any) error {
	if err := Validate(name, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func compile(name string) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()

	if sch, ok := compiled[name]; ok {
		return sch, nil
	}

	s, err := Get(name)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := filename(name)
	if err := compiler.AddResource(url, bytes.NewReader([]byte(s.JSON))); err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	compiled[name] = sch
	return sch, nil
}

// filename maps a schema name to its embedded path.
func filename(name string) string {
	return fmt.Sprintf("schemas/%s.json", strings.ToLower(name))
}
