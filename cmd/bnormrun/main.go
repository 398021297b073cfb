// Command bnormrun runs a batch normalization pod on a compute engine and
// prints its per-channel summary.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/openfluke/bnorm/attr"
	"github.com/openfluke/bnorm/bnorm"
	"github.com/openfluke/bnorm/compute"
	_ "github.com/openfluke/bnorm/host"
	"github.com/openfluke/bnorm/memory"
	"github.com/openfluke/bnorm/pods"
	"k8s.io/klog/v2"
)

var flagNames = map[string]bnorm.Flags{
	"global_stats": bnorm.UseGlobalStats,
	"scale":        bnorm.UseScale,
	"shift":        bnorm.UseShift,
	"relu":         bnorm.FuseNormRelu,
	"add_relu":     bnorm.FuseNormAddRelu,
}

func parseFlags(s string) (bnorm.Flags, error) {
	var f bnorm.Flags
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		f |= v
	}
	return f, nil
}

func main() {
	klog.InitFlags(nil)
	engine := flag.String("engine", pods.DefaultEngine, "engine config <engine>[:<config>], registered: "+strings.Join(compute.List(), ", "))
	pod := flag.String("pod", "bnorm/fwd_training", "pod to run: "+strings.Join(pods.Names(), ", "))
	dims := flag.String("dims", "8x16x14x14", "tensor dims N x C x spatial...")
	format := flag.String("format", "ncx", "memory format: ncx or nxc")
	dtype := flag.String("dt", "f32", "data type: f32, f16, bf16 or s8")
	eps := flag.Float64("eps", 1e-5, "epsilon")
	flags := flag.String("flags", "", "comma separated: global_stats, scale, shift, relu, add_relu")
	relu := flag.Float64("relu", -1, "append an eltwise relu post-op with this slope (negative: none)")
	seed := flag.Int64("seed", 1, "random seed")
	detect := flag.Bool("detect", false, "print the adapter report and exit")
	flag.Parse()
	defer klog.Flush()

	if *detect {
		report, err := pods.DetectJSON()
		if err != nil {
			fail(err)
		}
		fmt.Println(report)
		return
	}

	p := pods.Problem{Eps: float32(*eps), Seed: *seed}
	var err error
	if p.Dims, err = memory.ParseDims(*dims); err != nil {
		fail(err)
	}
	switch strings.ToLower(*format) {
	case "ncx":
		p.Format = memory.FormatNCX
	case "nxc":
		p.Format = memory.FormatNXC
	default:
		fail(fmt.Errorf("unknown format %q", *format))
	}
	if p.DataType, err = memory.ParseDataType(*dtype); err != nil {
		fail(err)
	}
	if p.Flags, err = parseFlags(*flags); err != nil {
		fail(err)
	}
	if *relu >= 0 {
		p.Attr = attr.New(attr.Relu(float32(*relu)))
	}

	eng, err := compute.NewWithConfig(*engine)
	if err != nil {
		fail(err)
	}
	defer eng.Release()
	x, err := pods.NewContext(eng)
	if err != nil {
		fail(err)
	}
	out, err := pods.Run(x, *pod, p)
	if closeErr := x.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fail(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fail(err)
	}
	st := x.Cache.Stats()
	fmt.Printf("engine %s (%s): cache hits=%d misses=%d builds=%d entries=%d\n",
		eng.Name(), eng.Info().Name, st.Hits, st.Misses, st.Builds, st.Entries)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "bnormrun:", err)
	klog.Flush()
	os.Exit(1)
}
