package dist

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/strata/pkg/bytecode"
)

// Canonical mode keeps encodings deterministic.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalBundle serializes a Bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a Bundle from CBOR bytes.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("dist: unmarshal bundle: %w", err)
	}
	return &b, nil
}

// Encode serializes a code unit and everything it references.
func Encode(code *bytecode.CodeUnit) ([]byte, error) {
	b, err := FromCodeUnit(code)
	if err != nil {
		return nil, err
	}
	return MarshalBundle(b)
}

// Decode deserializes a code unit written by Encode.
func Decode(data []byte) (*bytecode.CodeUnit, error) {
	b, err := UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}
	return ToCodeUnit(b)
}

// WriteFile encodes code to path.
func WriteFile(path string, code *bytecode.CodeUnit) error {
	data, err := Encode(code)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("dist: write %s: %w", path, err)
	}
	return nil
}

// ReadFile decodes the code unit stored at path.
func ReadFile(path string) (*bytecode.CodeUnit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dist: read %s: %w", path, err)
	}
	code, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return code, nil
}
