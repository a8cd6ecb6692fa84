// Package dist implements the transport encoding of code units. A unit and
// every unit nested in its constant pool travel as one canonical CBOR
// document, so encoded fixtures are byte-stable and can be compared or
// hashed directly.
package dist

// FormatVersion is written into every bundle. Decoding rejects other
// versions.
const FormatVersion = 1

// ConstKind identifies the Go type of an object constant.
type ConstKind uint8

const (
	ConstNone   ConstKind = 0
	ConstString ConstKind = 1
	ConstInt    ConstKind = 2
	ConstFloat  ConstKind = 3
	ConstBool   ConstKind = 4
	ConstUnit   ConstKind = 5 // Index into Bundle.Units
)

// Constant is one entry of an object constant pool.
type Constant struct {
	Kind ConstKind `cbor:"1,keyasint"`
	Str  string    `cbor:"2,keyasint,omitempty"`
	Int  int64     `cbor:"3,keyasint,omitempty"` // Integers, bools (0/1) and unit indices
	Bits uint64    `cbor:"4,keyasint,omitempty"` // float64 bit pattern
}

// Location is one source map entry.
type Location struct {
	PC     int `cbor:"1,keyasint"`
	Offset int `cbor:"2,keyasint"`
}

// Unit is the wire form of a bytecode.CodeUnit. Nested units are referenced
// by index so a unit shared by several constant pools is sent once.
type Unit struct {
	Name       string     `cbor:"1,keyasint"`
	Filename   string     `cbor:"2,keyasint,omitempty"`
	Flags      uint16     `cbor:"3,keyasint"`
	Code       []byte     `cbor:"4,keyasint"`
	Constants  []Constant `cbor:"5,keyasint,omitempty"`
	Primitives []int64    `cbor:"6,keyasint,omitempty"`
	Names      []string   `cbor:"7,keyasint,omitempty"`
	VarNames   []string   `cbor:"8,keyasint,omitempty"`
	CellVars   []string   `cbor:"9,keyasint,omitempty"`
	FreeVars   []string   `cbor:"10,keyasint,omitempty"`
	ArgCount   int        `cbor:"11,keyasint"`
	PosOnly    int        `cbor:"12,keyasint"`
	KwOnly     int        `cbor:"13,keyasint"`
	Cell2Arg   []int      `cbor:"14,keyasint,omitempty"`
	StackSize  int        `cbor:"15,keyasint"`
	Ranges     []uint16   `cbor:"16,keyasint,omitempty"` // Flat (start, end, handler, depth) tuples
	SourceMap  []Location `cbor:"17,keyasint,omitempty"`
	StartPos   int        `cbor:"18,keyasint"`
}

// Bundle is a root unit with everything it references. Units[0] is the
// root; Fingerprint is the root's vm.Fingerprint at encoding time.
type Bundle struct {
	Version     int    `cbor:"1,keyasint"`
	Fingerprint uint64 `cbor:"2,keyasint"`
	Units       []Unit `cbor:"3,keyasint"`
}
