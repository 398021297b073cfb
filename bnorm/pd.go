package bnorm

import (
	"sort"

	"github.com/openfluke/bnorm/attr"
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
	"k8s.io/klog/v2"
)

// Scratchpad keys published by descriptors.
const (
	ScratchPartials = "bnorm.partials"
	ScratchReduced  = "bnorm.reduced"
	ScratchMean     = "bnorm.mean"
	ScratchVariance = "bnorm.variance"
)

const (
	DefaultMaxGroups = 256
	DefaultMinChunk  = 16

	channelsLastBlock = 16
	gwsWorkgroupSize  = 256
	maxNelems         = 1 << 31
)

type pdOptions struct {
	maxGroups int64
	minChunk  int64
}

// PDOption tunes how a descriptor splits the reduction.
type PDOption func(*pdOptions)

// WithMaxGroups caps the number of groups a channel's reduction is split into.
func WithMaxGroups(n int64) PDOption {
	return func(o *pdOptions) {
		if n > 0 {
			o.maxGroups = n
		}
	}
}

// WithMinChunk sets the smallest number of elements a group reduces.
func WithMinChunk(n int64) PDOption {
	return func(o *pdOptions) {
		if n > 0 {
			o.minChunk = n
		}
	}
}

func buildOptions(opts []PDOption) pdOptions {
	o := pdOptions{maxGroups: DefaultMaxGroups, minChunk: DefaultMinChunk}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Config is the validated payload shared by forward and backward
// descriptors. It is immutable once built.
type Config struct {
	// Desc is the operation with every FormatAny resolved.
	Desc    Desc
	Params  Params
	Runtime RuntimeParams
	// Workspace is zero unless the operation reads or writes a clip mask.
	Workspace memory.Desc
	// ZeroDim marks an empty problem: nothing is compiled or launched.
	ZeroDim bool

	engineID string
	scratch  map[string]int64
}

// ScratchpadSize is the byte size needed under key, or 0.
func (c *Config) ScratchpadSize(key string) int64 { return c.scratch[key] }

// ScratchpadKeys lists the scratch buffers an execution requests.
func (c *Config) ScratchpadKeys() []string {
	keys := make([]string, 0, len(c.scratch))
	for k := range c.scratch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ForwardPD is a validated forward batch normalization.
type ForwardPD struct {
	Config
}

// Kernels names the kernels a forward execution launches, in order.
func (pd *ForwardPD) Kernels() []string {
	if pd.Params.CalculateStats {
		return []string{kernels.CalcMean, kernels.ReduceMean, kernels.CalcVariance, kernels.ReduceVariance, kernels.NormFwd}
	}
	return []string{kernels.NormFwd}
}

// BackwardPD is a validated backward batch normalization.
type BackwardPD struct {
	Config
	Hint *ForwardPD
}

// Kernels names the kernels a backward execution launches, in order.
func (pd *BackwardPD) Kernels() []string {
	return []string{kernels.CalcStats, kernels.ReduceStats, kernels.NormBwd}
}

func resolveFormat(d memory.Desc, f memory.Format) memory.Desc {
	if d.Format == memory.FormatAny {
		return d.WithFormat(f)
	}
	return d
}

func checkShape(op string, src memory.Desc) error {
	if len(src.Dims) < 2 {
		return compute.Unsupported(op, "src %s needs at least 2 dims", src)
	}
	for i, v := range src.Dims {
		if v < 0 {
			return compute.Unsupported(op, "src %s has negative extent in dim %d", src, i)
		}
	}
	if src.HasZeroDim() {
		return nil
	}
	n := int64(1)
	for _, v := range src.Dims {
		if v > (maxNelems-1)/n {
			return compute.Unsupported(op, "src %s has more than %d elements", src, int64(maxNelems)-1)
		}
		n *= v
	}
	return nil
}

func checkDeviceType(op string, eng compute.Engine, dt memory.DataType) error {
	switch {
	case dt == memory.F16 && !eng.MayUse(compute.DeviceExtFP16):
		return compute.Unsupported(op, "engine %s has no fp16 support", eng.Name())
	case dt == memory.BF16 && !eng.MayUse(compute.DeviceExtBF16):
		return compute.Unsupported(op, "engine %s has no bf16 support", eng.Name())
	}
	return nil
}

// checkScaleShift allows f32 scale/shift for any type and 16-bit float
// scale/shift matching a 16-bit float src.
func checkScaleShift(op string, d Desc, dt memory.DataType) error {
	if !d.Flags.Has(UseScale) && !d.Flags.Has(UseShift) {
		return nil
	}
	ss := d.ScaleShift
	if len(ss.Dims) != 1 || ss.Dims[0] != d.Src.Channels() {
		return compute.Unsupported(op, "scale/shift %s does not match %d channels", ss, d.Src.Channels())
	}
	if ss.DataType == memory.F32 {
		return nil
	}
	if (dt == memory.F16 || dt == memory.BF16) && ss.DataType == dt {
		return nil
	}
	return compute.Unsupported(op, "scale/shift type %s with src type %s", ss.DataType, dt)
}

func checkCommon(op string, eng compute.Engine, d Desc) error {
	if !eng.MayUse(compute.DeviceExtSubgroups) {
		return compute.Unsupported(op, "engine %s has no subgroup support", eng.Name())
	}
	if !d.Stats.IsZero() && d.Stats.DataType != memory.F32 {
		return compute.Unsupported(op, "statistics type %s, want f32", d.Stats.DataType)
	}
	return nil
}

// checkForwardAttr accepts no attributes or a single eltwise ReLU.
func checkForwardAttr(op string, a *attr.Attr, training bool) (*attr.PostOp, error) {
	if !a.HasDefaultValues(attr.SkipPostOps) {
		return nil, compute.Unsupported(op, "attributes other than post-ops")
	}
	switch a.Len() {
	case 0:
		return nil, nil
	case 1:
		relu, ok := a.ReluPostOp()
		if !ok {
			return nil, compute.Unsupported(op, "post-op %s is not an eltwise relu", a.PostOps[0].Alg)
		}
		if training && relu.Alpha != 0 {
			return nil, compute.Unsupported(op, "leaky relu (alpha %g) with training", relu.Alpha)
		}
		return &relu, nil
	}
	return nil, compute.Unsupported(op, "%d post-ops, at most one is supported", a.Len())
}

func workspaceDesc(src memory.Desc) memory.Desc {
	return memory.NewDesc(memory.U8, src.Format, src.Dims...)
}

func scaleShiftType(d Desc) memory.DataType {
	if d.Flags.Has(UseScale) || d.Flags.Has(UseShift) {
		return d.ScaleShift.DataType
	}
	return memory.F32
}

// NewForwardPD validates a forward operation on eng. Any failing check
// returns an error matching compute.ErrUnsupported.
func NewForwardPD(eng compute.Engine, d Desc, a *attr.Attr, opts ...PDOption) (*ForwardPD, error) {
	const op = "bnorm_fwd_pd"
	if !d.Prop.IsForward() {
		return nil, compute.Unsupported(op, "propagation kind %s is not forward", d.Prop)
	}
	src := resolveFormat(d.Src, memory.FormatNCX)
	dst := resolveFormat(d.Dst, src.Format)
	if err := checkShape(op, src); err != nil {
		return nil, err
	}
	dt := src.DataType
	if !supportedType(dt) {
		return nil, compute.Unsupported(op, "data type %s", dt)
	}
	if dst.DataType != dt {
		return nil, compute.Unsupported(op, "src type %s and dst type %s differ", dt, dst.DataType)
	}
	if err := checkDeviceType(op, eng, dt); err != nil {
		return nil, err
	}
	training := d.Prop == PropForwardTraining
	globalStats := d.Flags.Has(UseGlobalStats)
	if dt == memory.S8 && (training || !globalStats) {
		return nil, compute.Unsupported(op, "s8 is only supported for inference with global statistics")
	}
	if err := checkScaleShift(op, d, dt); err != nil {
		return nil, err
	}
	relu, err := checkForwardAttr(op, a, training)
	if err != nil {
		return nil, err
	}
	if !memory.SameLayout(src, dst) {
		return nil, compute.Unsupported(op, "src %s and dst %s layouts differ", src, dst)
	}
	if err := checkCommon(op, eng, d); err != nil {
		return nil, err
	}

	d.Src, d.Dst = src, dst
	pd := &ForwardPD{}
	c := &pd.Config
	c.Desc = d
	c.engineID = eng.ID()
	c.ZeroDim = src.HasZeroDim()
	p := &c.Params
	p.DataType = dt
	p.ScaleShiftType = scaleShiftType(d)
	p.UseScale = d.Flags.Has(UseScale)
	p.UseShift = d.Flags.Has(UseShift)
	p.IsTraining = training
	p.FuseNormRelu = d.Flags.Has(FuseNormRelu)
	p.FuseNormAddRelu = d.Flags.Has(FuseNormAddRelu)
	p.CalculateStats = !globalStats
	if relu != nil {
		p.WithRelu = true
		p.WithLeakyRelu = relu.Alpha != 0
		c.Runtime.ReluNegativeSlope = relu.Alpha
	}
	if training && (p.FuseNormRelu || p.FuseNormAddRelu) {
		c.Workspace = workspaceDesc(src)
	}
	if err := initConf(op, c, eng, buildOptions(opts)); err != nil {
		return nil, err
	}

	c.scratch = map[string]int64{}
	if p.CalculateStats {
		c.scratch[ScratchPartials] = 4 * c.Runtime.StatIC * c.Runtime.Groups
		if !training {
			c.scratch[ScratchMean] = 4 * c.Runtime.IC
			c.scratch[ScratchVariance] = 4 * c.Runtime.IC
		}
	}
	klog.V(1).Infof("bnorm: forward pd %s src=%s groups=%d chunk=%d", d.Prop, src, c.Runtime.Groups, c.Runtime.ReduceChunk)
	return pd, nil
}

// NewBackwardPD validates a backward operation. hint is the forward
// descriptor whose outputs the backward pass consumes.
func NewBackwardPD(eng compute.Engine, d Desc, a *attr.Attr, hint *ForwardPD, opts ...PDOption) (*BackwardPD, error) {
	const op = "bnorm_bwd_pd"
	if d.Prop != PropBackward && d.Prop != PropBackwardData {
		return nil, compute.Unsupported(op, "propagation kind %s is not backward", d.Prop)
	}
	src := resolveFormat(d.Src, memory.FormatNCX)
	diffSrc := resolveFormat(d.DiffSrc, src.Format)
	diffDst := resolveFormat(d.DiffDst, src.Format)
	if err := checkShape(op, src); err != nil {
		return nil, err
	}
	dt := src.DataType
	if !supportedType(dt) || dt == memory.S8 {
		return nil, compute.Unsupported(op, "data type %s", dt)
	}
	if diffSrc.DataType != dt || diffDst.DataType != dt {
		return nil, compute.Unsupported(op, "types differ: src %s, diff_src %s, diff_dst %s", dt, diffSrc.DataType, diffDst.DataType)
	}
	if err := checkDeviceType(op, eng, dt); err != nil {
		return nil, err
	}
	if err := checkScaleShift(op, d, dt); err != nil {
		return nil, err
	}
	if a.Len() != 0 || !a.HasDefaultValues(0) {
		return nil, compute.Unsupported(op, "backward accepts no attributes")
	}
	if !memory.SameLayout(src, diffSrc) || !memory.SameLayout(src, diffDst) {
		return nil, compute.Unsupported(op, "src %s, diff_src %s and diff_dst %s layouts differ", src, diffSrc, diffDst)
	}
	if err := checkCommon(op, eng, d); err != nil {
		return nil, err
	}
	if hint == nil {
		return nil, compute.Unsupported(op, "backward needs a forward hint")
	}
	if !memory.SameLayout(hint.Desc.Src, src) {
		return nil, compute.Unsupported(op, "hint src %s does not match src %s", hint.Desc.Src, src)
	}

	d.Src, d.DiffSrc, d.DiffDst = src, diffSrc, diffDst
	pd := &BackwardPD{Hint: hint}
	c := &pd.Config
	c.Desc = d
	c.engineID = eng.ID()
	c.ZeroDim = src.HasZeroDim()
	p := &c.Params
	p.DataType = dt
	p.ScaleShiftType = scaleShiftType(d)
	p.UseScale = d.Flags.Has(UseScale)
	p.UseShift = d.Flags.Has(UseShift)
	p.IsTraining = true
	p.FuseNormRelu = d.Flags.Has(FuseNormRelu)
	p.FuseNormAddRelu = d.Flags.Has(FuseNormAddRelu)
	p.CalculateStats = !d.Flags.Has(UseGlobalStats)
	if p.FuseNormRelu || p.FuseNormAddRelu {
		ws := workspaceDesc(src)
		if hint.Workspace.IsZero() || !memory.Equal(ws, hint.Workspace) {
			return nil, compute.Unsupported(op, "workspace %s does not match forward workspace %s", ws, hint.Workspace)
		}
		c.Workspace = ws
	}
	if err := initConf(op, c, eng, buildOptions(opts)); err != nil {
		return nil, err
	}

	c.scratch = map[string]int64{
		ScratchPartials: 2 * 4 * c.Runtime.StatIC * c.Runtime.Groups,
		ScratchReduced:  kernels.ReducedRegions * 4 * c.Runtime.StatIC,
	}
	klog.V(1).Infof("bnorm: backward pd %s src=%s groups=%d chunk=%d", d.Prop, src, c.Runtime.Groups, c.Runtime.ReduceChunk)
	return pd, nil
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

// initConf derives the dispatch layouts and runtime geometry from the
// resolved src descriptor. Launches that do not fit the engine's workgroup
// grid are unsupported.
func initConf(op string, c *Config, eng compute.Engine, o pdOptions) error {
	src := c.Desc.Src
	rt := &c.Runtime
	p := &c.Params

	rt.Eps = c.Desc.Epsilon
	rt.IC, rt.Outer, rt.Inner = src.Channels(), src.Outer(), src.Inner()
	rt.OuterStride, rt.ChannelStride, rt.ReduceDimStride = src.Strides()
	rt.Nelems = src.Nelems()
	rt.ReductionNelems = rt.Outer * rt.Inner
	rt.Div = rt.ReductionNelems

	channelsLast := src.Format == memory.FormatNXC
	rt.StatIC = rt.IC
	if channelsLast {
		rt.StatIC = ceilDiv(rt.IC, channelsLastBlock) * channelsLastBlock
	}
	rt.ReduceChunk = max(ceilDiv(rt.ReductionNelems, o.maxGroups), o.minChunk)
	rt.Groups = ceilDiv(rt.ReductionNelems, rt.ReduceChunk)

	sg := eng.Info().SubgroupSize
	if sg == 0 {
		sg = 1
	}
	calcWG := [3]uint32{1, 64, 1}
	if channelsLast {
		calcWG = [3]uint32{sg, 4, 1}
	}
	p.CalcStat = compute.DispatchCompileParams{
		Dims: 2, ChannelsLast: channelsLast, VectorSize: 1, SubgroupSize: uint8(sg), WorkgroupSize: calcWG,
	}
	p.ReduceStat = compute.DispatchCompileParams{
		Dims: 1, ChannelsLast: channelsLast, VectorSize: 1, SubgroupSize: uint8(sg), WorkgroupSize: [3]uint32{4 * sg, 1, 1},
	}
	p.GWS = compute.DispatchCompileParams{
		Dims: 1, ChannelsLast: channelsLast, VectorSize: 1, SubgroupSize: uint8(sg), WorkgroupSize: [3]uint32{gwsWorkgroupSize, 1, 1},
	}
	maxGroups := eng.Info().WorkgroupsPerDim()
	rt.CalcStat = p.CalcStat.NDRange(uint64(rt.StatIC), uint64(rt.Groups))
	rt.ReduceStat = p.ReduceStat.NDRange(uint64(rt.StatIC))
	rt.GWS = p.GWS.FoldedNDRange(uint64(rt.Nelems), maxGroups)
	if c.ZeroDim {
		return nil
	}
	for _, r := range []struct {
		stage string
		nd    compute.NDRange
	}{{"statistics", rt.CalcStat}, {"reduction", rt.ReduceStat}, {"normalization", rt.GWS}} {
		if !r.nd.Fits(maxGroups) {
			return compute.Unsupported(op, "%s launch of %v workgroups exceeds %d per dimension on %s",
				r.stage, r.nd.Groups(), maxGroups, eng.Name())
		}
	}
	return nil
}
