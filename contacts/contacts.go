// Package contacts reads contact lists from YAML or JSON files
package contacts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sprucehealth/ivrdialer/model"
)

// Load reads a contact list file
func Load(path string) ([]model.Contact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return list, nil
}

// Read parses a contact list from r
func Read(r io.Reader) ([]model.Contact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON array of rows. Keys and scalar values are
// kept as strings; nested values are rejected.
func Parse(data []byte) ([]model.Contact, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var rows []map[string]yaml.Node
	if err := yaml.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	out := make([]model.Contact, 0, len(rows))
	for i, row := range rows {
		fields := make(map[string]string, len(row))
		for k, node := range row {
			v, err := scalar(&node)
			if err != nil {
				return nil, fmt.Errorf("row %d field %q: %w", i+1, k, err)
			}
			fields[k] = v
		}
		out = append(out, model.Contact{Fields: fields})
	}
	return out, nil
}

func scalar(n *yaml.Node) (string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "", nil
		}
		if n.Tag == "!!float" {
			// 5551234567.0 style cells from spreadsheet exports
			if f, err := strconv.ParseFloat(n.Value, 64); err == nil && f == float64(int64(f)) {
				return strconv.FormatInt(int64(f), 10), nil
			}
		}
		return strings.TrimSpace(n.Value), nil
	case yaml.AliasNode:
		if n.Alias != nil {
			return scalar(n.Alias)
		}
	}
	return "", errors.New("value must be a scalar")
}
