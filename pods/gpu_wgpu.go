//go:build gpu

package pods

import (
	"github.com/openfluke/bnorm/detector"
	_ "github.com/openfluke/bnorm/gpu"
)

const DefaultEngine = "wgpu"

// DetectJSON reports on the adapter the wgpu engine would use.
func DetectJSON() (string, error) { return detector.DetectJSON() }
