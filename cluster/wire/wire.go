// Package wire implements the cluster dispatch protocol (C8): the
// master-to-slaves message framing and payload layout that every
// collective broadcast uses.
//
// Payloads are manually field-by-field encoded with
// encoding/binary, the same style as the teacher's fixed-layout UAPI
// structs, generalised to the variable-length instruction and
// distributed-array-record lists EXEC carries: each list is preceded
// by its element count and each string is NUL-terminated, rather than
// relying on a fixed compile-time size.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bohrium-go/bhcore/instr"
)

// MsgType identifies one of the four master->slaves broadcast kinds.
type MsgType uint8

const (
	MsgInit MsgType = iota + 1
	MsgShutdown
	MsgUfunc
	MsgExec
)

func (t MsgType) String() string {
	switch t {
	case MsgInit:
		return "INIT"
	case MsgShutdown:
		return "SHUTDOWN"
	case MsgUfunc:
		return "UFUNC"
	case MsgExec:
		return "EXEC"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// InitMsg names the downstream execution component every slave should
// construct after joining the grid.
type InitMsg struct {
	ExecutorName string
}

// ShutdownMsg carries no payload: it tells every slave to flush,
// release its arrays, and return cleanly.
type ShutdownMsg struct{}

// UfuncMsg registers a user function name under an id, for later
// USERFUNC instructions to reference.
type UfuncMsg struct {
	ID   int64
	Name string
}

// OperandKind mirrors instr.OperandKind across the wire.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandArray
	OperandImmediate
)

// WireOperand is one operand slot of a WireInstruction.
type WireOperand struct {
	Kind    OperandKind
	ArrayID int64
	Imm     float64
}

// WireInstruction is the wire form of instr.Instruction: operand array
// ids are the master's ids, rewritten by the slave loop (C9) to local
// descriptor pointers before execution.
type WireInstruction struct {
	Opcode       instr.Opcode
	Out, In1, In2 WireOperand
	UserFuncID   int64
}

// WireDescriptor is the wire form of a registry.Descriptor: a base has
// BaseID == 0 (ids are 1-based, so 0 is never a live array), a view
// carries its base's id.
type WireDescriptor struct {
	ElemType uint8
	BaseID   int64
	Shape    []int64
	Stride   []int64
	Start    int64
}

// Partition describes one rank's local shard of a distributed base:
// an element-count view, computed as an even split with the remainder
// assigned to the last rank (§4.8).
type Partition struct {
	ElemStart int64
	ElemCount int64
}

// DistributedArrayRecord carries a new array's full descriptor plus
// this rank's partition of it, as EXEC introduces arrays the slave has
// not seen before.
type DistributedArrayRecord struct {
	ID         int64
	Descriptor WireDescriptor
	Part       Partition
}

// ExecMsg delivers an ordered, self-contained instruction list plus
// the distributed-array records backing any array ids not yet known
// to the slave.
type ExecMsg struct {
	Instructions []WireInstruction
	NewArrays    []DistributedArrayRecord
}

// ElementPartition computes rank i's [start, count) within a base of n
// elements split evenly across p ranks, with any remainder folded into
// the last rank, per §4.8: "each rank i gets floor(n/p) elements, rank
// p-1 additionally gets n mod p".
func ElementPartition(n, p, rank int64) Partition {
	base := n / p
	start := base * rank
	count := base
	if rank == p-1 {
		count += n % p
	}
	return Partition{ElemStart: start, ElemCount: count}
}

// BytePartition computes scatter counts and displacements in bytes for
// a base of n elements of elemSize bytes split across p ranks,
// matching Testable Property 8 and scenario S4 (P=3, N=10, T=4 ->
// counts [12,12,16], displs [0,12,24]).
func BytePartition(n, p int64, elemSize int) (counts, displs []int64) {
	counts = make([]int64, p)
	displs = make([]int64, p)
	base := (n / p) * int64(elemSize)
	var offset int64
	for i := int64(0); i < p; i++ {
		c := base
		if i == p-1 {
			c += (n % p) * int64(elemSize)
		}
		counts[i] = c
		displs[i] = offset
		offset += c
	}
	return counts, displs
}

// Marshal encodes msg (one of *InitMsg, *ShutdownMsg, *UfuncMsg,
// *ExecMsg) into a type byte followed by its payload.
func Marshal(msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case *InitMsg:
		buf.WriteByte(byte(MsgInit))
		putString(&buf, m.ExecutorName)
	case *ShutdownMsg:
		buf.WriteByte(byte(MsgShutdown))
	case *UfuncMsg:
		buf.WriteByte(byte(MsgUfunc))
		putInt64(&buf, m.ID)
		putString(&buf, m.Name)
	case *ExecMsg:
		buf.WriteByte(byte(MsgExec))
		putExec(&buf, m)
	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", msg)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into the message its leading type byte names,
// returning the MsgType and the concrete *XxxMsg value as interface{}.
func Unmarshal(data []byte) (MsgType, interface{}, error) {
	if len(data) < 1 {
		return 0, nil, errInsufficientData
	}
	r := bytes.NewReader(data[1:])
	switch t := MsgType(data[0]); t {
	case MsgInit:
		name, err := getString(r)
		if err != nil {
			return t, nil, err
		}
		return t, &InitMsg{ExecutorName: name}, nil
	case MsgShutdown:
		return t, &ShutdownMsg{}, nil
	case MsgUfunc:
		id, err := getInt64(r)
		if err != nil {
			return t, nil, err
		}
		name, err := getString(r)
		if err != nil {
			return t, nil, err
		}
		return t, &UfuncMsg{ID: id, Name: name}, nil
	case MsgExec:
		m, err := getExec(r)
		return t, m, err
	default:
		return t, nil, fmt.Errorf("wire: %w: type %d", errUnknownMessage, data[0])
	}
}

func putExec(buf *bytes.Buffer, m *ExecMsg) {
	putInt64(buf, int64(len(m.Instructions)))
	for _, in := range m.Instructions {
		putInstruction(buf, in)
	}
	putInt64(buf, int64(len(m.NewArrays)))
	for _, rec := range m.NewArrays {
		putRecord(buf, rec)
	}
}

func getExec(r *bytes.Reader) (*ExecMsg, error) {
	nInst, err := getInt64(r)
	if err != nil {
		return nil, err
	}
	insts := make([]WireInstruction, nInst)
	for i := range insts {
		in, err := getInstruction(r)
		if err != nil {
			return nil, err
		}
		insts[i] = in
	}
	nArr, err := getInt64(r)
	if err != nil {
		return nil, err
	}
	recs := make([]DistributedArrayRecord, nArr)
	for i := range recs {
		rec, err := getRecord(r)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return &ExecMsg{Instructions: insts, NewArrays: recs}, nil
}

func putInstruction(buf *bytes.Buffer, in WireInstruction) {
	buf.WriteByte(byte(in.Opcode))
	putOperand(buf, in.Out)
	putOperand(buf, in.In1)
	putOperand(buf, in.In2)
	putInt64(buf, in.UserFuncID)
}

func getInstruction(r *bytes.Reader) (WireInstruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return WireInstruction{}, errInsufficientData
	}
	out, err := getOperand(r)
	if err != nil {
		return WireInstruction{}, err
	}
	in1, err := getOperand(r)
	if err != nil {
		return WireInstruction{}, err
	}
	in2, err := getOperand(r)
	if err != nil {
		return WireInstruction{}, err
	}
	ufid, err := getInt64(r)
	if err != nil {
		return WireInstruction{}, err
	}
	return WireInstruction{Opcode: instr.Opcode(op), Out: out, In1: in1, In2: in2, UserFuncID: ufid}, nil
}

func putOperand(buf *bytes.Buffer, op WireOperand) {
	buf.WriteByte(byte(op.Kind))
	putInt64(buf, op.ArrayID)
	putFloat64(buf, op.Imm)
}

func getOperand(r *bytes.Reader) (WireOperand, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return WireOperand{}, errInsufficientData
	}
	id, err := getInt64(r)
	if err != nil {
		return WireOperand{}, err
	}
	imm, err := getFloat64(r)
	if err != nil {
		return WireOperand{}, err
	}
	return WireOperand{Kind: OperandKind(kind), ArrayID: id, Imm: imm}, nil
}

func putRecord(buf *bytes.Buffer, rec DistributedArrayRecord) {
	putInt64(buf, rec.ID)
	buf.WriteByte(rec.Descriptor.ElemType)
	putInt64(buf, rec.Descriptor.BaseID)
	putInt64Slice(buf, rec.Descriptor.Shape)
	putInt64Slice(buf, rec.Descriptor.Stride)
	putInt64(buf, rec.Descriptor.Start)
	putInt64(buf, rec.Part.ElemStart)
	putInt64(buf, rec.Part.ElemCount)
}

func getRecord(r *bytes.Reader) (DistributedArrayRecord, error) {
	var rec DistributedArrayRecord
	id, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	elemType, err := r.ReadByte()
	if err != nil {
		return rec, errInsufficientData
	}
	baseID, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	shape, err := getInt64Slice(r)
	if err != nil {
		return rec, err
	}
	stride, err := getInt64Slice(r)
	if err != nil {
		return rec, err
	}
	start, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	elemStart, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	elemCount, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	rec.ID = id
	rec.Descriptor = WireDescriptor{ElemType: elemType, BaseID: baseID, Shape: shape, Stride: stride, Start: start}
	rec.Part = Partition{ElemStart: elemStart, ElemCount: elemCount}
	return rec, nil
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func getInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := ioReadFull(r, b[:]); err != nil {
		return 0, errInsufficientData
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func putFloat64(buf *bytes.Buffer, v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
}

func getFloat64(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := ioReadFull(r, b[:]); err != nil {
		return 0, errInsufficientData
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

func putString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func getString(r *bytes.Reader) (string, error) {
	var b bytes.Buffer
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", errInsufficientData
		}
		if c == 0 {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func putInt64Slice(buf *bytes.Buffer, s []int64) {
	putInt64(buf, int64(len(s)))
	for _, v := range s {
		putInt64(buf, v)
	}
}

func getInt64Slice(r *bytes.Reader) ([]int64, error) {
	n, err := getInt64(r)
	if err != nil {
		return nil, err
	}
	s := make([]int64, n)
	for i := range s {
		v, err := getInt64(r)
		if err != nil {
			return nil, err
		}
		s[i] = v
	}
	return s, nil
}

func ioReadFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

const (
	errInsufficientData = wireError("wire: insufficient data for unmarshaling")
	errUnknownMessage   = wireError("wire: unknown message type")
)
