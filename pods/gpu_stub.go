//go:build !gpu

package pods

// DefaultEngine is the engine config pods run on unless told otherwise.
const DefaultEngine = "host"

// DetectJSON needs the WebGPU build.
func DetectJSON() (string, error) { return "", ErrNoGPU }
