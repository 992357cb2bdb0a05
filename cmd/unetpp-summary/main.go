// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// unetpp-summary builds a UNet++ topology from a JSON configuration file (or
// from flags) and prints the resulting lattice: every node with its shape,
// and the selected model outputs.
//
// Example:
//
//	unetpp-summary --depth=3 --filters=8,16,32 --heads=bin:1 --batch_norm
package main

import (
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/unetpp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "Path to a JSON configuration file. "+
		"If given, the topology flags below are ignored.")
	flagDepth      = flag.Int("depth", 4, "Number of encoder levels.")
	flagFilters    = flag.String("filters", "32,64,128,256", "Comma-separated channel counts per encoder level.")
	flagMode       = flag.String("mode", "basic", "Model mode: basic or mobile.")
	flagUpsample   = flag.String("upsample", "nearest", "Upsample mode: nearest or bilinear.")
	flagBatchNorm  = flag.Bool("batch_norm", true, "Enable batch normalization in the blocks.")
	flagDownIter   = flag.String("downsample_iteration", "", "Comma-separated bottleneck iteration counts per level (mobile mode).")
	flagHeads      = flag.String("heads", "bin:1", "Comma-separated output heads as name:channels pairs.")
	flagDeepSuperv = flag.Bool("deep_supervision", false, "Expose the output heads of every decoder skip level.")
	flagInputDim   = flag.String("input", "128,128,1", "Input dimensions as height,width,channels.")
)

func main() {
	flag.Parse()
	cfg := must.M1(configFromFlags())
	model := must.M1(unetpp.New(cfg))

	backend := backends.MustNew()
	klog.V(1).Infof("using backend %q", backend.Name())

	// Build the graph once, with batch size 1, only to read out node shapes.
	// It is never compiled nor executed.
	g := graph.NewGraph(backend, "unetpp-summary")
	inputShape := shapes.Make(dtypes.Float32,
		append([]int{1}, cfg.InputDim...)...)
	input := graph.Parameter(g, "input", inputShape)
	ctx := context.New()
	outputs, nodes := model.BuildGraphWithNodes(ctx, input)

	ids := make([]unetpp.NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if ids[a].J != ids[b].J {
			return ids[a].J < ids[b].J
		}
		return ids[a].I < ids[b].I
	})

	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	newTable := func(headers ...string) *lgtable.Table {
		return lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == lgtable.HeaderRow {
					return headerStyle
				}
				return cellStyle
			}).
			Headers(headers...)
	}

	latticeTable := newTable("Node", "Encoder level", "Skip level", "Shape")
	for _, id := range ids {
		latticeTable.Row(id.String(), strconv.Itoa(id.I), strconv.Itoa(id.J),
			nodes[id].Shape().String())
	}
	fmt.Printf("UNet++ lattice (%d nodes, mode=%s):\n%s\n", len(nodes), cfg.Mode, latticeTable)

	outputsTable := newTable("Output", "Shape")
	for ii, name := range model.OutputNames() {
		outputsTable.Row(name, outputs[ii].Shape().String())
	}
	fmt.Printf("Model outputs (deep_supervision=%v):\n%s\n", cfg.DeepSupervision, outputsTable)
}

func configFromFlags() (unetpp.Config, error) {
	if *flagConfig != "" {
		return unetpp.LoadConfig(*flagConfig)
	}
	var cfg unetpp.Config
	var err error
	if cfg.InputDim, err = parseInts(*flagInputDim); err != nil {
		return cfg, errors.WithMessage(err, "flag --input")
	}
	cfg.Depth = *flagDepth
	if cfg.FilterList, err = parseInts(*flagFilters); err != nil {
		return cfg, errors.WithMessage(err, "flag --filters")
	}
	cfg.Mode = unetpp.Mode(*flagMode)
	cfg.UpsampleMode = unetpp.UpsampleMode(*flagUpsample)
	cfg.BatchNorm = *flagBatchNorm
	if *flagDownIter != "" {
		if cfg.DownsampleIteration, err = parseInts(*flagDownIter); err != nil {
			return cfg, errors.WithMessage(err, "flag --downsample_iteration")
		}
	}
	cfg.DeepSupervision = *flagDeepSuperv
	for _, pair := range strings.Split(*flagHeads, ",") {
		name, channelsStr, found := strings.Cut(pair, ":")
		if !found {
			return cfg, errors.Errorf("flag --heads: %q is not a name:channels pair", pair)
		}
		channels, err := strconv.Atoi(channelsStr)
		if err != nil {
			return cfg, errors.Wrapf(err, "flag --heads: %q is not a name:channels pair", pair)
		}
		cfg.Heads = append(cfg.Heads, unetpp.Head{Name: name, Channels: channels})
	}
	return cfg, cfg.Validate()
}

func parseInts(commaSeparated string) ([]int, error) {
	parts := strings.Split(commaSeparated, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q in %q", part, commaSeparated)
		}
		values = append(values, value)
	}
	return values, nil
}
