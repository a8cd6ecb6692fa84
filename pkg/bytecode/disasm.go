package bytecode

import (
	"fmt"
	"math"
	"strings"
)

// Disassemble returns a human-readable listing of the unit and every nested
// code unit in its constant pool.
func (c *CodeUnit) Disassemble() string {
	var sb strings.Builder
	c.disassembleInto(&sb, map[*CodeUnit]bool{})
	return sb.String()
}

func (c *CodeUnit) disassembleInto(sb *strings.Builder, seen map[*CodeUnit]bool) {
	seen[c] = true

	// Header
	sb.WriteString(fmt.Sprintf("; === %s ===\n", c.Name))
	if c.Filename != "" {
		sb.WriteString(fmt.Sprintf("; File: %s\n", c.Filename))
	}
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", uint16(c.Flags)))
	if c.Flags&FlagVarArgs != 0 {
		sb.WriteString(" [VARARGS]")
	}
	if c.Flags&FlagVarKeywords != 0 {
		sb.WriteString(" [VARKEYWORDS]")
	}
	if c.Flags&FlagGenerator != 0 {
		sb.WriteString(" [GENERATOR]")
	}
	if c.Flags&FlagCoroutine != 0 {
		sb.WriteString(" [COROUTINE]")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("; Args: %d (positional-only %d, keyword-only %d)  Stack: %d\n",
		c.ArgCount, c.PositionalOnlyArgCount, c.KwOnlyArgCount, c.StackSize))

	writeNames(sb, "Locals", c.VarNames)
	writeNames(sb, "Cells", c.CellVars)
	writeNames(sb, "Frees", c.FreeVars)
	writeNames(sb, "Names", c.Names)
	sb.WriteString("\n")

	// Constants
	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, v := range c.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, constDisplay(v)))
		}
		sb.WriteString("\n")
	}
	if len(c.PrimitiveConstants) > 0 {
		sb.WriteString("; Primitives:\n")
		for i, v := range c.PrimitiveConstants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %d (%g)\n", i, v, math.Float64frombits(uint64(v))))
		}
		sb.WriteString("\n")
	}

	// Exception ranges
	if len(c.ExceptionRanges) > 0 {
		sb.WriteString("; Exception ranges:\n")
		for _, r := range c.ExceptionRanges {
			sb.WriteString(fmt.Sprintf(";   %04X-%04X -> %04X depth %d\n", r.Start, r.End, r.Handler, r.StackDepth))
		}
		sb.WriteString("\n")
	}

	// Code section
	sb.WriteString("; Code:\n")
	for offset := 0; offset < len(c.Code); {
		in, err := Decode(c.Code, offset)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04X  <%v>\n", offset, err))
			break
		}
		line := c.FormatInstruction(in)
		if src := c.SourceOffset(in.Start); src >= 0 {
			sb.WriteString(fmt.Sprintf("%04X  %-36s ; @%d\n", in.Start, line, src))
		} else {
			sb.WriteString(fmt.Sprintf("%04X  %s\n", in.Start, line))
		}
		offset = in.Next
	}

	for _, v := range c.Constants {
		if nested, ok := v.(*CodeUnit); ok && !seen[nested] {
			sb.WriteString("\n")
			nested.disassembleInto(sb, seen)
		}
	}
}

func writeNames(sb *strings.Builder, title string, names []string) {
	if len(names) == 0 {
		return
	}
	sb.WriteString(fmt.Sprintf("; %s (%d): %s\n", title, len(names), strings.Join(names, ", ")))
}

func constDisplay(v any) string {
	switch x := v.(type) {
	case string:
		// Truncate long strings for readability
		if len(x) > 40 {
			x = x[:37] + "..."
		}
		return fmt.Sprintf("%q", x)
	case *CodeUnit:
		return x.String()
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FormatInstruction renders one decoded instruction with its operands and a
// trailing annotation resolving names, constants and branch targets.
func (c *CodeUnit) FormatInstruction(in Instruction) string {
	name := in.Op.String()
	switch in.Op.OperandLen() {
	case 0:
		return name
	case 2:
		return fmt.Sprintf("%s %d %d%s", name, in.Arg, in.Arg2, c.annotate(in))
	}
	return fmt.Sprintf("%s %d%s", name, in.Arg, c.annotate(in))
}

func (c *CodeUnit) annotate(in Instruction) string {
	lookup := func(table []string, i int) string {
		if i < len(table) {
			return " ; " + table[i]
		}
		return ""
	}

	if in.Op.IsJump() {
		return fmt.Sprintf(" ; -> %04X", in.Target())
	}

	switch in.Op {
	case OpLoadFast, OpStoreFast, OpDeleteFast:
		return lookup(c.VarNames, in.Arg)
	case OpLoadClosure, OpLoadDeref, OpStoreDeref, OpDeleteDeref:
		if in.Arg < len(c.CellVars)+len(c.FreeVars) {
			name, free := c.CellName(in.Arg)
			if free {
				return " ; free " + name
			}
			return " ; cell " + name
		}
	case OpLoadGlobal, OpStoreGlobal, OpDeleteGlobal, OpLoadName, OpStoreName, OpDeleteName,
		OpLoadAttr, OpStoreAttr, OpDeleteAttr, OpImportName, OpImportFrom,
		OpCallMethod, OpCallMethodVarargs, OpMakeKeyword:
		return lookup(c.Names, in.Arg)
	case OpLoadConst, OpMakeFunction:
		if in.Arg < len(c.Constants) {
			return " ; " + constDisplay(c.Constants[in.Arg])
		}
	case OpLoadByte:
		return fmt.Sprintf(" ; %d", int8(in.Arg))
	case OpLoadLong:
		if in.Arg < len(c.PrimitiveConstants) {
			return fmt.Sprintf(" ; %d", c.PrimitiveConstants[in.Arg])
		}
	case OpLoadDouble:
		if in.Arg < len(c.PrimitiveConstants) {
			return fmt.Sprintf(" ; %g", math.Float64frombits(uint64(c.PrimitiveConstants[in.Arg])))
		}
	case OpCollectionFromStack, OpCollectionAddStack, OpAddToCollection:
		return fmt.Sprintf(" ; %s x%d", collectionNames[CollectionKind(in.Arg)], CollectionCount(in.Arg))
	case OpCollectionFromCollection, OpCollectionAddCollection:
		return " ; " + collectionNames[in.Arg&0x07]
	}
	return ""
}

var collectionNames = [8]string{"list", "tuple", "set", "dict", "keywords", "kind5", "kind6", "kind7"}
