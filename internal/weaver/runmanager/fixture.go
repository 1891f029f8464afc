package runmanager

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// LoadRunRequestYAML reads a RunRequest from a YAML document, for CLI
// tooling and test fixtures that declare a run without going through the
// HTTP API's create(request) route.
func LoadRunRequestYAML(r io.Reader) (RunRequest, error) {
	var req RunRequest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return RunRequest{}, fmt.Errorf("decode run request: %w", err)
	}
	return req, nil
}
