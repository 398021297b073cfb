// Package attr carries optional primitive attributes: the post-op chain and
// the few knobs a caller may customize.
package attr

// Alg is an eltwise algorithm for a post-op.
type Alg uint8

const (
	AlgRelu Alg = iota + 1
	AlgTanh
	AlgGelu
	AlgLinear
)

func (a Alg) String() string {
	switch a {
	case AlgRelu:
		return "relu"
	case AlgTanh:
		return "tanh"
	case AlgGelu:
		return "gelu"
	case AlgLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// Kind separates eltwise post-ops from accumulation ones.
type Kind uint8

const (
	KindEltwise Kind = iota + 1
	KindSum
)

// PostOp is one entry of the chain applied to the primitive output.
type PostOp struct {
	Kind  Kind
	Alg   Alg
	Alpha float32
	Beta  float32
	Scale float32
}

// Relu returns a ReLU post-op; alpha is the negative slope.
func Relu(alpha float32) PostOp { return PostOp{Kind: KindEltwise, Alg: AlgRelu, Alpha: alpha} }

// Sum returns an accumulate-into-dst post-op.
func Sum(scale float32) PostOp { return PostOp{Kind: KindSum, Scale: scale} }

// SkipMask lists attribute groups a primitive handles itself.
type SkipMask uint8

const (
	SkipPostOps SkipMask = 1 << iota
	SkipScales
)

// Attr is the attribute set of a primitive. The zero value holds defaults.
type Attr struct {
	PostOps []PostOp
	// Scales maps an argument index to an output scale.
	Scales map[int]float32
	// Deterministic asks for run-to-run reproducible reductions.
	Deterministic bool
}

// New builds an Attr with the given post-ops.
func New(ops ...PostOp) *Attr { return &Attr{PostOps: ops} }

// HasDefaultValues reports whether every group not named in skip is default.
func (a *Attr) HasDefaultValues(skip SkipMask) bool {
	if a == nil {
		return true
	}
	if skip&SkipPostOps == 0 && len(a.PostOps) != 0 {
		return false
	}
	if skip&SkipScales == 0 && len(a.Scales) != 0 {
		return false
	}
	return !a.Deterministic
}

// Len is the post-op chain length.
func (a *Attr) Len() int {
	if a == nil {
		return 0
	}
	return len(a.PostOps)
}

// ReluPostOp returns the single eltwise ReLU of the chain, if that is all it holds.
func (a *Attr) ReluPostOp() (PostOp, bool) {
	if a.Len() != 1 {
		return PostOp{}, false
	}
	op := a.PostOps[0]
	if op.Kind != KindEltwise || op.Alg != AlgRelu {
		return PostOp{}, false
	}
	return op, true
}
