package indexer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperjump/shiori/internal/models"
)

// ParseInputs decodes scraper output. Three shapes are accepted: an object with a
// "content" list, a bare list, or a single document object.
func ParseInputs(data []byte) ([]*models.DocumentInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}
	if data[0] == '[' {
		var list []*models.DocumentInput
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return list, nil
	}

	var wrapper struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if c := bytes.TrimSpace(wrapper.Content); len(c) > 0 && c[0] == '[' {
		var list []*models.DocumentInput
		if err := json.Unmarshal(c, &list); err != nil {
			return nil, fmt.Errorf("decode content list: %w", err)
		}
		return list, nil
	}

	var single models.DocumentInput
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return []*models.DocumentInput{&single}, nil
}
