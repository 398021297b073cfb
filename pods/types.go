package pods

import (
	"time"

	"github.com/openfluke/bnorm/attr"
	"github.com/openfluke/bnorm/bnorm"
	"github.com/openfluke/bnorm/memory"
)

// Problem is the input of every bnorm pod.
type Problem struct {
	Dims     []int64 // N, C, spatial...
	Format   memory.Format
	DataType memory.DataType
	Eps      float32
	Flags    bnorm.Flags
	Attr     *attr.Attr
	// Seed drives the random src, scale, shift and diff_dst.
	Seed int64
}

func (p Problem) src() memory.Desc { return memory.NewDesc(p.DataType, p.Format, p.Dims...) }

// ChannelStats is a population mean and variance.
type ChannelStats struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// Result summarizes one pod run per channel.
type Result struct {
	Pod string `json:"pod"`
	// Stats are the statistics the normalization used.
	Stats []ChannelStats `json:"stats"`
	// Output describes dst for forward pods and diff_src for backward.
	Output    []ChannelStats `json:"output"`
	DiffScale []float32      `json:"diff_scale,omitempty"`
	DiffShift []float32      `json:"diff_shift,omitempty"`
	Kernels   []string       `json:"kernels"`
	Elapsed   time.Duration  `json:"elapsed_ns"`
}
