package kernels

import (
	"fmt"
	"strings"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
)

type binding struct {
	name   string
	typ    string
	access string // "read" or "read_write"
}

var (
	roF32  = func(name string) binding { return binding{name, "array<f32>", "read"} }
	rwF32  = func(name string) binding { return binding{name, "array<f32>", "read_write"} }
	wsOut  = binding{"ws", "array<atomic<u32>>", "read_write"}
	wsIn   = binding{"ws", "array<u32>", "read"}
	stages = map[string]string{
		CalcMean:       StageCalc,
		CalcVariance:   StageCalc,
		CalcStats:      StageCalc,
		ReduceMean:     StageReduce,
		ReduceVariance: StageReduce,
		ReduceStats:    StageReduce,
		NormFwd:        StageGWS,
		NormBwd:        StageGWS,
	}
)

// bindings lists the storage buffers of each kernel in slot order.
var bindings = map[string][]binding{
	CalcMean:       {roF32("src"), rwF32("partials")},
	ReduceMean:     {roF32("partials"), rwF32("mean")},
	CalcVariance:   {roF32("src"), roF32("mean"), rwF32("partials")},
	ReduceVariance: {roF32("partials"), rwF32("variance")},
	NormFwd: {
		roF32("src"), roF32("mean"), roF32("variance"), roF32("scale"),
		roF32("shift"), rwF32("dst"), wsOut, roF32("src_add"),
	},
	CalcStats: {roF32("src"), roF32("mean"), roF32("diff_dst"), wsIn, rwF32("partials")},
	ReduceStats: {
		roF32("partials"), roF32("mean"), roF32("variance"), rwF32("reduced"),
		rwF32("diff_scale"), rwF32("diff_shift"),
	},
	NormBwd: {
		roF32("src"), roF32("diff_dst"), roF32("scale"), wsIn, roF32("reduced"),
		rwF32("diff_src"), rwF32("diff_src_add"),
	},
}

// Slots returns the number of storage bindings of a kernel; the uniform
// block binds right after them.
func Slots(name string) int { return len(bindings[name]) }

const uniformDecl = `struct Params {
    ic: u32,
    stat_ic: u32,
    groups: u32,
    reduce_chunk: u32,
    reduction_nelems: u32,
    inner: u32,
    outer: u32,
    outer_stride: u32,
    channel_stride: u32,
    reduce_dim_stride: u32,
    nelems: u32,
    div: u32,
    eps: f32,
    relu_negative_slope: f32,
    gws_pitch: u32,
    pad0: u32,
}
`

const helpers = `
fn elem_offset(n: u32, c: u32, s: u32) -> u32 {
    return n * u.outer_stride + c * u.channel_stride + s * u.reduce_dim_stride;
}

fn chunk_begin(g: u32) -> u32 { return g * u.reduce_chunk; }

fn chunk_end(g: u32) -> u32 { return min((g + 1u) * u.reduce_chunk, u.reduction_nelems); }
`

const wsStore = `
fn ws_store(off: u32, v: u32) {
    let sh = (off % 4u) * 8u;
    atomicAnd(&ws[off / 4u], ~(0xffu << sh));
    atomicOr(&ws[off / 4u], v << sh);
}
`

const wsLoad = `
fn ws_load(off: u32) -> u32 {
    return (ws[off / 4u] >> ((off % 4u) * 8u)) & 0xffu;
}

fn masked_diff(off: u32) -> f32 {
    if (FUSED && ws_load(off) != 0u) { return 0.0; }
    return diff_dst[off];
}
`

const decodeCoords = `    var n: u32;
    var c: u32;
    var s: u32;
    if (CHANNELS_LAST) {
        c = t % u.ic;
        let rest = t / u.ic;
        s = rest % u.inner;
        n = rest / u.inner;
    } else {
        s = t % u.inner;
        let rest = t / u.inner;
        c = rest % u.ic;
        n = rest / u.ic;
    }
    let off = elem_offset(n, c, s);
`

var bodies = map[string]string{
	CalcMean: `    let c = gid.x;
    let g = gid.y;
    if (c >= u.stat_ic || g >= u.groups) { return; }
    var sum: f32 = 0.0;
    if (c < u.ic) {
        for (var r = chunk_begin(g); r < chunk_end(g); r++) {
            sum += src[elem_offset(r / u.inner, c, r % u.inner)];
        }
    }
    partials[g * u.stat_ic + c] = sum;
`,
	ReduceMean: `    let c = gid.x;
    if (c >= u.ic) { return; }
    var sum: f32 = 0.0;
    for (var g = 0u; g < u.groups; g++) {
        sum += partials[g * u.stat_ic + c];
    }
    mean[c] = sum / f32(u.reduction_nelems);
`,
	CalcVariance: `    let c = gid.x;
    let g = gid.y;
    if (c >= u.stat_ic || g >= u.groups) { return; }
    var sum: f32 = 0.0;
    if (c < u.ic) {
        let m = mean[c];
        for (var r = chunk_begin(g); r < chunk_end(g); r++) {
            let d = src[elem_offset(r / u.inner, c, r % u.inner)] - m;
            sum += d * d;
        }
    }
    partials[g * u.stat_ic + c] = sum;
`,
	ReduceVariance: `    let c = gid.x;
    if (c >= u.ic) { return; }
    var sum: f32 = 0.0;
    for (var g = 0u; g < u.groups; g++) {
        sum += partials[g * u.stat_ic + c];
    }
    variance[c] = sum / f32(u.div);
`,
	NormFwd: `    let t = gid.x + gid.y * u.gws_pitch;
    if (t >= u.nelems) { return; }
` + decodeCoords + `    var y = (src[off] - mean[c]) / sqrt(variance[c] + u.eps);
    if (USE_SCALE) { y = y * scale[c]; }
    if (USE_SHIFT) { y = y + shift[c]; }
    if (FUSE_BN_ADD_RELU) { y = y + src_add[off]; }
    var clipped = 0u;
    if (FUSED || WITH_RELU) {
        if (WITH_LEAKY_RELU) {
            if (y < 0.0) { y = y * u.relu_negative_slope; }
        } else if (y <= 0.0) {
            y = 0.0;
            clipped = 1u;
        }
    }
    if (IS_TRAINING && FUSED) { ws_store(off, clipped); }
    dst[off] = y;
`,
	CalcStats: `    let c = gid.x;
    let g = gid.y;
    if (c >= u.stat_ic || g >= u.groups) { return; }
    var sum_dx: f32 = 0.0;
    var sum_d: f32 = 0.0;
    if (c < u.ic) {
        let m = mean[c];
        for (var r = chunk_begin(g); r < chunk_end(g); r++) {
            let off = elem_offset(r / u.inner, c, r % u.inner);
            let dd = masked_diff(off);
            sum_dx += dd * (src[off] - m);
            sum_d += dd;
        }
    }
    let idx = g * u.stat_ic + c;
    partials[idx] = sum_dx;
    partials[u.groups * u.stat_ic + idx] = sum_d;
`,
	ReduceStats: `    let c = gid.x;
    if (c >= u.stat_ic) { return; }
    var sum_dx: f32 = 0.0;
    var sum_d: f32 = 0.0;
    for (var g = 0u; g < u.groups; g++) {
        sum_dx += partials[g * u.stat_ic + c];
        sum_d += partials[u.groups * u.stat_ic + g * u.stat_ic + c];
    }
    var ds: f32 = 0.0;
    var m: f32 = 0.0;
    var inv: f32 = 0.0;
    if (c < u.ic) {
        inv = 1.0 / sqrt(variance[c] + u.eps);
        ds = sum_dx * inv;
        m = mean[c];
    }
    reduced[c] = ds;
    reduced[u.stat_ic + c] = sum_d;
    reduced[2u * u.stat_ic + c] = m;
    reduced[3u * u.stat_ic + c] = inv;
    if (c >= u.ic) { return; }
    if (USE_SCALE && arrayLength(&diff_scale) >= u.ic) { diff_scale[c] = ds; }
    if (USE_SHIFT && arrayLength(&diff_shift) >= u.ic) { diff_shift[c] = sum_d; }
`,
	NormBwd: `    let t = gid.x + gid.y * u.gws_pitch;
    if (t >= u.nelems) { return; }
` + decodeCoords + `    var dd = masked_diff(off);
    if (FUSE_BN_ADD_RELU) { diff_src_add[off] = dd; }
    let inv = reduced[3u * u.stat_ic + c];
    var gamma: f32 = 1.0;
    if (USE_SCALE) { gamma = scale[c]; }
    if (CALCULATE_STATS) {
        let div = f32(u.div);
        let x = src[off] - reduced[2u * u.stat_ic + c];
        dd = dd - reduced[u.stat_ic + c] / div - x * inv * reduced[c] / div;
    }
    diff_src[off] = gamma * inv * dd;
`,
}

// WGSL generates the shader source of the named kernel. Only f32 tensors
// and f32 scale/shift are expressible.
func WGSL(name string, kctx *compute.KernelCtx) (string, error) {
	body, ok := bodies[name]
	if !ok {
		return "", errors.Errorf("unknown kernel %q", name)
	}
	c, err := configFrom(kctx)
	if err != nil {
		return "", err
	}
	if c.dt != memory.F32 {
		return "", errors.Errorf("%s: data type %s has no WGSL lowering", name, c.dt)
	}
	if (c.useScale || c.useShift) && c.ssdt != memory.F32 {
		return "", errors.Errorf("%s: scale/shift type %s has no WGSL lowering", name, c.ssdt)
	}
	stage := stages[name]
	lws := [3]int64{}
	for i := range lws {
		lws[i] = max(kctx.Int(fmt.Sprintf("%s_LWS%d", stage, i)), 1)
	}

	var sb strings.Builder
	binds := bindings[name]
	for i, b := range binds {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, %s> %s: %s;\n", i, b.access, b.name, b.typ)
	}
	sb.WriteString(uniformDecl)
	fmt.Fprintf(&sb, "@group(0) @binding(%d) var<uniform> u: Params;\n\n", len(binds))

	consts := []struct {
		name string
		v    bool
	}{
		{DefUseScale, c.useScale},
		{DefUseShift, c.useShift},
		{DefIsTraining, c.isTraining},
		{DefFuseNormRelu, c.fuseRelu},
		{DefFuseNormAddRelu, c.fuseAddRelu},
		{"FUSED", c.fused()},
		{DefWithRelu, c.withRelu},
		{DefWithLeakyRelu, c.withLeaky},
		{DefCalculateStats, c.calcStats},
		{"CHANNELS_LAST", kctx.Bool(stage + "_CHANNELS_LAST")},
	}
	for _, k := range consts {
		fmt.Fprintf(&sb, "const %s: bool = %t;\n", k.name, k.v)
	}
	sb.WriteString(helpers)
	switch name {
	case NormFwd:
		sb.WriteString(wsStore)
	case CalcStats, NormBwd:
		sb.WriteString(wsLoad)
	}

	fmt.Fprintf(&sb, "\n@compute @workgroup_size(%d, %d, %d)\n", lws[0], lws[1], lws[2])
	sb.WriteString("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {\n")
	// Auto layout drops bindings a body never touches; keep all of them.
	for _, b := range binds {
		fmt.Fprintf(&sb, "    _ = arrayLength(&%s);\n", b.name)
	}
	sb.WriteString("    _ = u.ic;\n")
	sb.WriteString(body)
	sb.WriteString("}\n")
	return sb.String(), nil
}
