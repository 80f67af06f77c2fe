package modprobe

import (
	"errors"
	"fmt"
	"os"
)

// GlobalStatus is the observable state of the global claim configuration.
type GlobalStatus string

const (
	StatusNotConfigured GlobalStatus = "not_configured"
	StatusEnabled       GlobalStatus = "enabled"
	StatusDisabled      GlobalStatus = "disabled"
	StatusUnknown       GlobalStatus = "unknown"
)

// StatusOf classifies an already parsed document.
func StatusOf(doc *Document, passthroughDriver string) GlobalStatus {
	switch doc.Status(ClaimField(passthroughDriver)) {
	case FieldActive:
		return StatusEnabled
	case FieldCommented:
		return StatusDisabled
	default:
		return StatusUnknown
	}
}

// ReadStatus loads path and reports its status without modifying it.
func ReadStatus(path, passthroughDriver string) (GlobalStatus, *Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return StatusNotConfigured, nil, nil
	}
	if err != nil {
		return StatusUnknown, nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc := Parse(data)
	return StatusOf(doc, passthroughDriver), doc, nil
}

// Apply sets the claim directive to the wanted state and forces the ids
// directive to stay commented. It returns the number of changed lines.
func Apply(doc *Document, passthroughDriver string, enabled bool) int {
	changed := doc.SetActive(ClaimField(passthroughDriver), enabled)
	changed += doc.SetActive(IDsField(passthroughDriver), false)
	return changed
}
