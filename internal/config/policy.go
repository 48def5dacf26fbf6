package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"dispatchopt/internal/opt"
)

// LoadPolicy reads a YAML policy file. Keys absent from the file keep their defaults.
func LoadPolicy(filename string) (opt.Policy, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return opt.Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes YAML over the default policy and validates the result.
func ParsePolicy(data []byte) (opt.Policy, error) {
	p := opt.DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return opt.Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return opt.Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}
