//go:build js && wasm

package detector

import "encoding/json"

// Report is empty in WASM builds; the browser owns adapter selection.
type Report struct {
	Runtime string `json:"runtime"`
	Error   string `json:"error"`
}

// DetectJSON reports that probing is unavailable.
func DetectJSON() (string, error) {
	data, err := json.Marshal(Report{Runtime: "wasm", Error: "GPU detection not available in WASM"})
	return string(data), err
}

// Detect returns nil for WASM builds.
func Detect() (*Report, error) { return nil, nil }
