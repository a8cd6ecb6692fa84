package main

import (
	"fmt"
	"sort"

	"github.com/chazu/strata/lib/runtime"
	"github.com/chazu/strata/pkg/bytecode"
)

// demo builds a small module exercising one part of the engine.
type demo struct {
	about string
	build func() (*bytecode.CodeUnit, error)
}

var demos = map[string]demo{
	"sum":      {"sum 1..100000 in a hot loop (OSR)", sumDemo},
	"squares":  {"a generator yielding squares", squaresDemo},
	"closure":  {"a closure reading a captured cell", closureDemo},
	"except":   {"a handler catching ZeroDivisionError", exceptDemo},
	"fizzbuzz": {"fizzbuzz to 15 with nested branches", fizzbuzzDemo},
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildDemo(name string) (*bytecode.CodeUnit, error) {
	d, ok := demos[name]
	if !ok {
		return nil, fmt.Errorf("unknown demo %q (have %v)", name, demoNames())
	}
	return d.build()
}

// printTop emits print(<top of stack>) and discards the result.
func printTop(b *bytecode.Builder) {
	b.Emit(bytecode.OpLoadGlobal, b.Name("print")).Emit(bytecode.OpRotTwo)
	b.Emit(bytecode.OpCallFunction, 1).Emit(bytecode.OpPopTop)
}

// sumDemo prints the sum of 1..100000, accumulated in a module-level loop.
func sumDemo() (*bytecode.CodeUnit, error) {
	b := bytecode.NewBuilder("<module>").SetFilename("sum")
	total, i := b.Name("total"), b.Name("i")
	b.SourceAt(0).LoadInt(0).Emit(bytecode.OpStoreName, total)
	b.SourceAt(10).Emit(bytecode.OpLoadGlobal, b.Name("range")).LoadInt(1).LoadInt(100001)
	b.Emit(bytecode.OpCallFunction, 2).Emit(bytecode.OpGetIter)
	head := b.Here()
	done := b.NewLabel()
	b.EmitJump(bytecode.OpForIter, done)
	b.Emit(bytecode.OpStoreName, i)
	b.SourceAt(40).Emit(bytecode.OpLoadName, total).Emit(bytecode.OpLoadName, i)
	b.Emit(bytecode.OpBinaryOp, runtime.BinaryAdd).Emit(bytecode.OpStoreName, total)
	b.EmitJump(bytecode.OpJumpBackward, head)
	b.Place(done)
	b.SourceAt(60).Emit(bytecode.OpLoadName, total)
	printTop(b)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	return b.Build()
}

// squaresDemo prints the list drained from a generator of squares below 6.
func squaresDemo() (*bytecode.CodeUnit, error) {
	g := bytecode.NewBuilder("squares").SetFilename("squares").SetFlags(bytecode.FlagGenerator).SetArgs(1, 0, 0)
	n, i := g.Local("n"), g.Local("i")
	g.Emit(bytecode.OpLoadGlobal, g.Name("range")).Emit(bytecode.OpLoadFast, n).Emit(bytecode.OpCallFunction, 1)
	g.Emit(bytecode.OpGetIter)
	head := g.Here()
	done := g.NewLabel()
	g.EmitJump(bytecode.OpForIter, done)
	g.Emit(bytecode.OpStoreFast, i)
	g.Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpLoadFast, i).Emit(bytecode.OpBinaryOp, runtime.BinaryMultiply)
	g.Emit(bytecode.OpYieldValue).Emit(bytecode.OpResumeYield).Emit(bytecode.OpPopTop)
	g.EmitJump(bytecode.OpJumpBackward, head)
	g.Place(done)
	g.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	squares, err := g.Build()
	if err != nil {
		return nil, err
	}

	b := bytecode.NewBuilder("<module>").SetFilename("squares")
	name := b.Name("squares")
	b.Emit(bytecode.OpMakeFunction, b.Const(squares), 0).Emit(bytecode.OpStoreName, name)
	b.Emit(bytecode.OpLoadGlobal, b.Name("list"))
	b.Emit(bytecode.OpLoadName, name).LoadInt(6).Emit(bytecode.OpCallFunction, 1)
	b.Emit(bytecode.OpCallFunction, 1)
	printTop(b)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	return b.Build()
}

// closureDemo prints make_adder(10)(5), where add reads n from a cell.
func closureDemo() (*bytecode.CodeUnit, error) {
	a := bytecode.NewBuilder("add").SetFilename("closure").SetArgs(1, 0, 0)
	x := a.Local("x")
	n := a.Free("n")
	a.Emit(bytecode.OpLoadFast, x).Emit(bytecode.OpLoadDeref, n).Emit(bytecode.OpBinaryOp, runtime.BinaryAdd)
	a.Emit(bytecode.OpReturnValue)
	add, err := a.Build()
	if err != nil {
		return nil, err
	}

	m := bytecode.NewBuilder("make_adder").SetFilename("closure").SetArgs(1, 0, 0)
	m.Local("n")
	cell := m.Cell("n", 0)
	m.Emit(bytecode.OpLoadClosure, cell).Emit(bytecode.OpClosureFromStack, 1)
	m.Emit(bytecode.OpMakeFunction, m.Const(add), bytecode.FunctionHasClosure)
	m.Emit(bytecode.OpReturnValue)
	makeAdder, err := m.Build()
	if err != nil {
		return nil, err
	}

	b := bytecode.NewBuilder("<module>").SetFilename("closure")
	name := b.Name("make_adder")
	b.Emit(bytecode.OpMakeFunction, b.Const(makeAdder), 0).Emit(bytecode.OpStoreName, name)
	b.Emit(bytecode.OpLoadName, name).LoadInt(10).Emit(bytecode.OpCallFunction, 1)
	b.LoadInt(5).Emit(bytecode.OpCallFunction, 1)
	printTop(b)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	return b.Build()
}

// exceptDemo catches the ZeroDivisionError of 1 / 0 and prints it.
func exceptDemo() (*bytecode.CodeUnit, error) {
	b := bytecode.NewBuilder("<module>").SetFilename("except")
	e := b.Name("e")
	start := b.Here()
	handler := b.NewLabel()
	reraise := b.NewLabel()
	end := b.NewLabel()
	b.SourceAt(9).LoadInt(1).LoadInt(0).Emit(bytecode.OpBinaryOp, runtime.BinaryTrueDivide)
	b.Emit(bytecode.OpPopTop)
	b.EmitJump(bytecode.OpJumpForward, end)
	b.Place(handler)
	b.SourceAt(20).Emit(bytecode.OpLoadGlobal, b.Name("ZeroDivisionError"))
	b.EmitJump(bytecode.OpMatchExcOrJump, reraise)
	b.Emit(bytecode.OpUnwrapExc).Emit(bytecode.OpStoreName, e)
	b.SourceAt(52).Emit(bytecode.OpLoadName, e)
	printTop(b)
	b.EmitJump(bytecode.OpJumpForward, end)
	b.Place(reraise)
	b.Emit(bytecode.OpRaiseVarargs, 1)
	b.Place(end)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	b.Protect(start, handler, handler, 0)
	return b.Build()
}

// fizzbuzzDemo prints fizzbuzz for 1..15.
func fizzbuzzDemo() (*bytecode.CodeUnit, error) {
	b := bytecode.NewBuilder("<module>").SetFilename("fizzbuzz")
	i := b.Name("i")
	b.Emit(bytecode.OpLoadGlobal, b.Name("range")).LoadInt(1).LoadInt(16)
	b.Emit(bytecode.OpCallFunction, 2).Emit(bytecode.OpGetIter)
	head := b.Here()
	done := b.NewLabel()
	b.EmitJump(bytecode.OpForIter, done)
	b.Emit(bytecode.OpStoreName, i)

	next := b.NewLabel()
	for _, c := range []struct {
		mod  int64
		word string
	}{{15, "FizzBuzz"}, {3, "Fizz"}, {5, "Buzz"}} {
		skip := b.NewLabel()
		b.Emit(bytecode.OpLoadName, i).LoadInt(c.mod).Emit(bytecode.OpBinaryOp, runtime.BinaryModulo)
		b.LoadInt(0).Emit(bytecode.OpBinaryOp, runtime.CompareEq)
		b.EmitJump(bytecode.OpPopAndJumpIfFalse, skip)
		b.Emit(bytecode.OpLoadConst, b.Const(c.word))
		printTop(b)
		b.EmitJump(bytecode.OpJumpForward, next)
		b.Place(skip)
	}
	b.Emit(bytecode.OpLoadName, i)
	printTop(b)
	b.Place(next)
	b.EmitJump(bytecode.OpJumpBackward, head)
	b.Place(done)
	b.Emit(bytecode.OpLoadNone).Emit(bytecode.OpReturnValue)
	return b.Build()
}
