// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gcstress runs a synthetic allocation workload against the engine and
// reports collection statistics.
//
// Usage:
//
//	gcstress [flags]
//
// Engine options are read from the GCENGINE environment variable, then
// from -o, as a comma-separated list of name=value pairs. For example:
//
//	gcstress -plan immix -o heap_size=32M,stress_factor=64
//
// Each worker is a mutator that grows a list, rebuilds a tree, creates
// weak references and allocates garbage. After the workers finish,
// gcstress checks every structure they kept and prints the engine's
// statistics and a benchmark line in the format of "go test -bench".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/internal/toyvm"
	"golang.org/x/gcengine/options"
)

var (
	flagPlan     = flag.String("plan", "", "collection `strategy` (nogc, semispace, gencopy, immix, mallocms)")
	flagOpts     = flag.String("o", "", "engine `options` as name=value,...")
	flagWorkers  = flag.Int("workers", 8, "number of mutators")
	flagParallel = flag.Int("parallel", 4, "mutators running at once")
	flagRounds   = flag.Int("rounds", 200, "workload rounds per mutator")
	flagCollect  = flag.Int("collect", 0, "request a collection every `n` rounds")
	flagPlot     = flag.String("plot", "", "write a gnuplot script of pause times to `file`")
	flagDot      = flag.String("dot", "", "write the final global heap graph to `file`")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gcstress [flags]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("gcstress: ")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 || *flagWorkers < 1 || *flagParallel < 1 {
		usage()
	}

	o, err := options.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	if err := o.Parse(*flagOpts); err != nil {
		log.Fatal(err)
	}
	if *flagPlan != "" {
		if o.Plan, err = options.ParsePlanKind(*flagPlan); err != nil {
			log.Fatal(err)
		}
	}

	vm := toyvm.New(o, toyvm.Config{Globals: 1})
	defer vm.Close()
	e := vm.Engine
	e.SetOutput(os.Stdout)

	// A tree that outlives every worker.
	const treeDepth = 10
	m := vm.NewMutator(1)
	if !m.BuildTree(0, treeDepth) {
		log.Fatalf("building the global tree: %v", vm.OutOfMemory())
	}
	vm.SetGlobal(0, m.Root(0))
	e.HarnessBegin(m.Thread)
	m.Destroy()

	if err := run(vm); err != nil {
		log.Fatal(err)
	}
	e.HarnessEnd()

	m = vm.NewMutator(0)
	g := vm.Snapshot()
	sum := toyvm.TreeSum(vm.Global(0))
	m.Destroy()
	if want := uint64(1<<treeDepth) * (1<<treeDepth - 1) / 2; sum != want {
		log.Fatalf("global tree sum: want %d, got %d", want, sum)
	}
	if err := e.Report(os.Stdout); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("heap: %s used, %s free of %s\n", e.UsedBytes(), e.FreeBytes(), e.TotalBytes())

	if *flagPlot != "" {
		writeFile(*flagPlot, func(f *os.File) {
			e.Plan().Base().Stats.Pauses.Plot(f, *flagPlot+".png", "pause", "collections")
		})
	}
	if *flagDot != "" {
		writeFile(*flagDot, func(f *os.File) { g.WriteDot(f) })
	}
}

func writeFile(path string, write func(f *os.File)) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	write(f)
	if err := f.Close(); err != nil {
		log.Fatal(err)
	}
}

// run starts the workers, at most -parallel at a time.
func run(vm *toyvm.VM) error {
	sem := semaphore.NewWeighted(int64(*flagParallel))
	g, ctx := errgroup.WithContext(context.Background())
	for id := range *flagWorkers {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return work(ctx, vm, id)
		})
	}
	return g.Wait()
}

const (
	listRoot = iota
	treeRoot
	weakRoot
	numRoots
)

func work(ctx context.Context, vm *toyvm.VM, id int) error {
	m := vm.NewMutator(numRoots)
	defer m.Destroy()

	const (
		perRound = 16
		maxList  = 4096
		depth    = 6
	)
	var next uint64
	for r := range *flagRounds {
		if ctx.Err() != nil {
			return nil
		}
		if !m.PushList(listRoot, perRound, next) {
			return oom(vm, id)
		}
		next += perRound
		if next%maxList == 0 {
			// Drop the list so the old nodes become garbage.
			m.SetRoot(listRoot, heap.NullRef)
		}
		if r%8 == 0 && !m.BuildTree(treeRoot, depth) {
			return oom(vm, id)
		}
		if r%16 == 0 {
			w := m.NewWeak(m.New(0, 1))
			if w.IsNull() {
				return oom(vm, id)
			}
			m.SetRoot(weakRoot, w)
		}
		if !m.Churn(64, r%32) {
			return oom(vm, id)
		}
		if *flagCollect > 0 && r%*flagCollect == 0 {
			m.Collect()
		}
	}
	return check(m, id, next%maxList)
}

// check verifies the structures of the mutator after its last round. The
// list holds the values next-n to next-1 in descending order.
func check(m *toyvm.Mutator, id int, n uint64) error {
	i := uint64(0)
	var want uint64
	for o := m.Root(listRoot); !o.IsNull(); o = toyvm.Ref(o, 0) {
		if i == 0 {
			want = toyvm.Data(o, 0)
		} else {
			want--
		}
		if got := toyvm.Data(o, 0); got != want {
			return fmt.Errorf("worker %d: list node %d: want %d, got %d", id, i, want, got)
		}
		i++
	}
	if i != n {
		return fmt.Errorf("worker %d: want %d list nodes, got %d", id, n, i)
	}
	if t := m.Root(treeRoot); !t.IsNull() {
		if got := toyvm.TreeSum(t); got != 63*64/2 {
			return fmt.Errorf("worker %d: tree sum: want %d, got %d", id, 63*64/2, got)
		}
	}
	return nil
}

func oom(vm *toyvm.VM, id int) error {
	return fmt.Errorf("worker %d: %v", id, vm.OutOfMemory())
}
