// Package instr defines the abstract instruction stream emitted by the
// front end: opcodes, operand references, and the Instruction record
// that the instruction queue accumulates and the backend schedulers
// consume.
package instr

import "fmt"

// Opcode identifies the operation an Instruction performs. Opcodes
// partition into computational, synchronisation, and meta classes.
type Opcode uint8

const (
	NONE Opcode = iota

	// Computational opcodes. None of these receive special-cased
	// control flow in the schedulers -- loop fusion and algebraic
	// simplification are out of scope.
	ADD
	SUBTRACT
	MULTIPLY
	DIVIDE
	POWER
	MOD
	EQUAL
	NOT_EQUAL
	GREATER
	GREATER_EQUAL
	LESS
	LESS_EQUAL
	LOGICAL_AND
	LOGICAL_OR
	LOGICAL_NOT
	BITWISE_AND
	BITWISE_OR
	BITWISE_XOR
	INVERT
	IDENTITY

	// Synchronisation opcodes.
	SYNC
	DISCARD
	FREE
	RELEASE

	// Meta opcode.
	USERFUNC
)

var opcodeNames = map[Opcode]string{
	NONE:          "NONE",
	ADD:           "ADD",
	SUBTRACT:      "SUBTRACT",
	MULTIPLY:      "MULTIPLY",
	DIVIDE:        "DIVIDE",
	POWER:         "POWER",
	MOD:           "MOD",
	EQUAL:         "EQUAL",
	NOT_EQUAL:     "NOT_EQUAL",
	GREATER:       "GREATER",
	GREATER_EQUAL: "GREATER_EQUAL",
	LESS:          "LESS",
	LESS_EQUAL:    "LESS_EQUAL",
	LOGICAL_AND:   "LOGICAL_AND",
	LOGICAL_OR:    "LOGICAL_OR",
	LOGICAL_NOT:   "LOGICAL_NOT",
	BITWISE_AND:   "BITWISE_AND",
	BITWISE_OR:    "BITWISE_OR",
	BITWISE_XOR:   "BITWISE_XOR",
	INVERT:        "INVERT",
	IDENTITY:      "IDENTITY",
	SYNC:          "SYNC",
	DISCARD:       "DISCARD",
	FREE:          "FREE",
	RELEASE:       "RELEASE",
	USERFUNC:      "USERFUNC",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// IsComputational reports whether op is an element-wise compute opcode
// eligible for batching.
func (op Opcode) IsComputational() bool {
	return op >= ADD && op <= IDENTITY
}

// IsSync reports whether op is one of the synchronisation opcodes
// (SYNC, DISCARD, FREE, NONE, RELEASE).
func (op Opcode) IsSync() bool {
	switch op {
	case NONE, SYNC, DISCARD, FREE, RELEASE:
		return true
	default:
		return false
	}
}

// Unary reports whether op takes a single input operand.
func (op Opcode) Unary() bool {
	switch op {
	case LOGICAL_NOT, INVERT, IDENTITY:
		return true
	default:
		return false
	}
}

// OperandKind distinguishes an array reference from an immediate scalar.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandArray
	OperandImmediate
)

// Operand is one slot of an Instruction: either a reference to an array
// by registry id, or an immediate scalar value.
type Operand struct {
	Kind    OperandKind
	ArrayID int64
	Imm     float64
}

// ArrayOperand builds an Operand referencing the array with the given id.
func ArrayOperand(id int64) Operand {
	return Operand{Kind: OperandArray, ArrayID: id}
}

// ImmOperand builds an Operand carrying an immediate scalar value.
func ImmOperand(v float64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v}
}

func (o Operand) IsArray() bool { return o.Kind == OperandArray }
func (o Operand) IsImm() bool   { return o.Kind == OperandImmediate }

// Instruction is an opcode plus up to three operand slots: one output
// and up to two inputs. USERFUNC additionally carries a function name
// and the id under which it was registered.
type Instruction struct {
	Opcode Opcode
	Out    Operand
	In1    Operand
	In2    Operand

	UserFuncID   int64
	UserFuncName string
}

// Add builds an ADD instruction: out = in1 + in2.
func Add(out, in1, in2 Operand) Instruction {
	return Instruction{Opcode: ADD, Out: out, In1: in1, In2: in2}
}

// Sub builds a SUBTRACT instruction: out = in1 - in2.
func Sub(out, in1, in2 Operand) Instruction {
	return Instruction{Opcode: SUBTRACT, Out: out, In1: in1, In2: in2}
}

// Sync builds a SYNC instruction targeting the given array id.
func Sync(id int64) Instruction {
	return Instruction{Opcode: SYNC, Out: ArrayOperand(id)}
}

// Discard builds a DISCARD instruction targeting the given array id.
func Discard(id int64) Instruction {
	return Instruction{Opcode: DISCARD, Out: ArrayOperand(id)}
}

// Free builds a FREE instruction targeting the given array id.
func Free(id int64) Instruction {
	return Instruction{Opcode: FREE, Out: ArrayOperand(id)}
}

// Release builds a RELEASE instruction targeting the given array id.
func Release(id int64) Instruction {
	return Instruction{Opcode: RELEASE, Out: ArrayOperand(id)}
}

// Operands returns the instruction's operand slots in out, in1, in2 order,
// omitting any slot of kind OperandNone.
func (in Instruction) Operands() []Operand {
	out := make([]Operand, 0, 3)
	for _, o := range []Operand{in.Out, in.In1, in.In2} {
		if o.Kind != OperandNone {
			out = append(out, o)
		}
	}
	return out
}
