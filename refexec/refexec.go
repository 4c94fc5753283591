// Package refexec is an eager, strided reference interpreter for the
// computational opcode set. It is the "downstream execution component"
// named in the cluster dispatch protocol (C8/C9). The GPU resource
// layer's in-process test fake (gpu/compute/computetest) does not call
// it; the fake carries its own interpreter with the same per-opcode
// arithmetic.
//
// Values are carried internally as float64 regardless of the
// descriptor's declared ElementType. This loses precision for integer
// magnitudes beyond 2^53, which is an accepted simplification for a
// reference/test executor, not a constraint on the production GPU
// resource layer (which hands element bytes to the compute API
// untouched).
package refexec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

// Resolver looks up a live descriptor by registry id, resolving views
// through their base as needed to reach host storage.
type Resolver interface {
	Get(id int64) (*registry.Descriptor, bool)
	ResolveBase(d *registry.Descriptor) (*registry.Descriptor, bool)
}

// Run executes a self-contained instruction list against host buffers
// reachable through reg. Only computational opcodes touch data; SYNC,
// DISCARD, FREE, RELEASE, NONE, and USERFUNC are the caller's concern
// (the scheduler/slave loop already handles those) and are ignored here.
func Run(reg Resolver, list []instr.Instruction) error {
	for _, in := range list {
		if !in.Opcode.IsComputational() {
			continue
		}
		if err := step(reg, in); err != nil {
			return err
		}
	}
	return nil
}

func step(reg Resolver, in instr.Instruction) error {
	out, err := view(reg, in.Out)
	if err != nil {
		return err
	}
	a, err := operand(reg, in.In1)
	if err != nil {
		return err
	}
	var b operandValue
	if in.In2.Kind != instr.OperandNone {
		b, err = operand(reg, in.In2)
		if err != nil {
			return err
		}
	}

	n := out.desc.NumElements()
	idx := make([]int64, len(out.desc.Shape))
	for flat := int64(0); flat < n; flat++ {
		av := a.at(idx)
		var bv float64
		if in.In2.Kind != instr.OperandNone {
			bv = b.at(idx)
		}
		r, err := apply(in.Opcode, av, bv)
		if err != nil {
			return err
		}
		out.set(idx, r)
		incrementIndex(idx, out.desc.Shape)
	}
	return nil
}

func apply(op instr.Opcode, a, b float64) (float64, error) {
	switch op {
	case instr.ADD:
		return a + b, nil
	case instr.SUBTRACT:
		return a - b, nil
	case instr.MULTIPLY:
		return a * b, nil
	case instr.DIVIDE:
		return a / b, nil
	case instr.POWER:
		return math.Pow(a, b), nil
	case instr.MOD:
		return math.Mod(a, b), nil
	case instr.EQUAL:
		return boolF(a == b), nil
	case instr.NOT_EQUAL:
		return boolF(a != b), nil
	case instr.GREATER:
		return boolF(a > b), nil
	case instr.GREATER_EQUAL:
		return boolF(a >= b), nil
	case instr.LESS:
		return boolF(a < b), nil
	case instr.LESS_EQUAL:
		return boolF(a <= b), nil
	case instr.LOGICAL_AND:
		return boolF(a != 0 && b != 0), nil
	case instr.LOGICAL_OR:
		return boolF(a != 0 || b != 0), nil
	case instr.LOGICAL_NOT:
		return boolF(a == 0), nil
	case instr.BITWISE_AND:
		return float64(int64(a) & int64(b)), nil
	case instr.BITWISE_OR:
		return float64(int64(a) | int64(b)), nil
	case instr.BITWISE_XOR:
		return float64(int64(a) ^ int64(b)), nil
	case instr.INVERT:
		return float64(^int64(a)), nil
	case instr.IDENTITY:
		return a, nil
	default:
		return 0, fmt.Errorf("refexec: unsupported opcode %s", op)
	}
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// operandValue reads an operand's value at an N-dimensional index,
// either from a strided view or as a constant immediate.
type operandValue struct {
	imm    bool
	immVal float64
	view   *strided
}

func (v operandValue) at(idx []int64) float64 {
	if v.imm {
		return v.immVal
	}
	return v.view.get(idx)
}

func operand(reg Resolver, o instr.Operand) (operandValue, error) {
	if o.Kind == instr.OperandImmediate {
		return operandValue{imm: true, immVal: o.Imm}, nil
	}
	sv, err := view(reg, o)
	if err != nil {
		return operandValue{}, err
	}
	return operandValue{view: sv}, nil
}

// strided is a strided, typed window onto a base's host bytes.
type strided struct {
	desc   *registry.Descriptor
	base   *registry.Descriptor
	stride []int64
	start  int64
}

func view(reg Resolver, o instr.Operand) (*strided, error) {
	if o.Kind != instr.OperandArray {
		return nil, fmt.Errorf("refexec: expected array operand, got %v", o.Kind)
	}
	d, ok := reg.Get(o.ArrayID)
	if !ok {
		return nil, fmt.Errorf("refexec: unknown array id %d", o.ArrayID)
	}
	base, ok := reg.ResolveBase(d)
	if !ok {
		return nil, fmt.Errorf("refexec: unresolved base for array id %d", o.ArrayID)
	}
	return &strided{desc: d, base: base, stride: d.Stride, start: d.Start}, nil
}

func (s *strided) flatOffset(idx []int64) int64 {
	off := s.start
	for i, ix := range idx {
		off += ix * s.stride[i]
	}
	return off
}

func (s *strided) get(idx []int64) float64 {
	off := s.flatOffset(idx) * int64(s.base.ElemType.Size())
	return decode(s.base.ElemType, s.base.Data[off:])
}

func (s *strided) set(idx []int64, v float64) {
	off := s.flatOffset(idx) * int64(s.base.ElemType.Size())
	encode(s.base.ElemType, s.base.Data[off:], v)
}

func decode(t registry.ElementType, b []byte) float64 {
	switch t {
	case registry.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case registry.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case registry.Int8:
		return float64(int8(b[0]))
	case registry.Uint8, registry.Bool:
		return float64(b[0])
	case registry.Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case registry.Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case registry.Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case registry.Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case registry.Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case registry.Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	default:
		return 0
	}
}

func encode(t registry.ElementType, b []byte, v float64) {
	switch t {
	case registry.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case registry.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case registry.Int8, registry.Uint8, registry.Bool:
		b[0] = byte(int64(v))
	case registry.Int16, registry.Uint16:
		binary.LittleEndian.PutUint16(b, uint16(int64(v)))
	case registry.Int32, registry.Uint32:
		binary.LittleEndian.PutUint32(b, uint32(int64(v)))
	case registry.Int64, registry.Uint64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	}
}

func incrementIndex(idx []int64, shape []int64) {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < shape[i] {
			return
		}
		idx[i] = 0
	}
}
