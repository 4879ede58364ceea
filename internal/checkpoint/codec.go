package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ChizhovVadim/valuenet/internal/ml"
)

// Body layout, all little-endian:
// - run id: uint32 length, bytes
// - step, epoch, epoch step: uint64; epoch loss: float64
// - history: uint32 count, then step uint64 and average loss float64 per entry
// - weights: uint32 count, then name, uint32 rank, uint32 dims, uint32 length, float64 data
// - optimizer: step uint64, uint32 count, then m1 and m2 as length-prefixed float64 slices
// - scaler: scale float64, good steps uint64
type encoder struct {
	buf bytes.Buffer
	b   [8]byte
}

func (e *encoder) putUint32(v uint32) {
	binary.LittleEndian.PutUint32(e.b[:4], v)
	e.buf.Write(e.b[:4])
}

func (e *encoder) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(e.b[:], v)
	e.buf.Write(e.b[:])
}

func (e *encoder) putFloat(v float64) { e.putUint64(math.Float64bits(v)) }

func (e *encoder) putString(s string) {
	e.putUint32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) putFloats(data []float64) {
	e.putUint32(uint32(len(data)))
	for _, v := range data {
		e.putFloat(v)
	}
}

func encodeState(s *State) []byte {
	var e encoder
	e.putString(s.RunID)
	e.putUint64(s.Step)
	e.putUint64(s.Epoch)
	e.putUint64(s.EpochStep)
	e.putFloat(s.EpochLoss)

	e.putUint32(uint32(len(s.History)))
	for _, h := range s.History {
		e.putUint64(h.Step)
		e.putFloat(h.AvgLoss)
	}

	e.putUint32(uint32(len(s.Weights)))
	for _, t := range s.Weights {
		e.putString(t.Name)
		e.putUint32(uint32(len(t.Shape)))
		for _, d := range t.Shape {
			e.putUint32(uint32(d))
		}
		e.putFloats(t.Data)
	}

	e.putUint64(s.Optimizer.Step)
	e.putUint32(uint32(len(s.Optimizer.Moments)))
	for _, m := range s.Optimizer.Moments {
		e.putFloats(m.M1)
		e.putFloats(m.M2)
	}

	e.putFloat(s.Scaler.Scale)
	e.putUint64(s.Scaler.GoodSteps)
	return e.buf.Bytes()
}

var errTruncated = errors.New("truncated checkpoint body")

// decoder keeps the first error and returns zero values after it.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.data) {
		d.err = errTruncated
		return nil
	}
	var result = d.data[:n]
	d.data = d.data[n:]
	return result
}

func (d *decoder) readUint32() uint32 {
	var b = d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) readUint64() uint64 {
	var b = d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) readFloat() float64 { return math.Float64frombits(d.readUint64()) }

func (d *decoder) readString() string { return string(d.take(int(d.readUint32()))) }

// count reads a length prefix and checks that at least minSize bytes per element remain.
func (d *decoder) readCount(minSize int) int {
	var n = int(d.readUint32())
	if d.err == nil && n*minSize > len(d.data) {
		d.err = errTruncated
		return 0
	}
	return n
}

func (d *decoder) readFloats() []float64 {
	var n = d.readCount(8)
	if d.err != nil {
		return nil
	}
	var result = make([]float64, n)
	for i := range result {
		result[i] = d.readFloat()
	}
	return result
}

func decodeState(data []byte) (*State, error) {
	var d = decoder{data: data}
	var s = &State{}
	s.RunID = d.readString()
	s.Step = d.readUint64()
	s.Epoch = d.readUint64()
	s.EpochStep = d.readUint64()
	s.EpochLoss = d.readFloat()

	var historySize = d.readCount(16)
	for i := 0; i < historySize && d.err == nil; i++ {
		s.History = append(s.History, HistoryEntry{Step: d.readUint64(), AvgLoss: d.readFloat()})
	}

	var weightsSize = d.readCount(12)
	for i := 0; i < weightsSize && d.err == nil; i++ {
		var t Tensor
		t.Name = d.readString()
		var rank = d.readCount(4)
		for j := 0; j < rank && d.err == nil; j++ {
			t.Shape = append(t.Shape, int(d.readUint32()))
		}
		t.Data = d.readFloats()
		s.Weights = append(s.Weights, t)
	}

	s.Optimizer.Step = d.readUint64()
	var momentsSize = d.readCount(8)
	for i := 0; i < momentsSize && d.err == nil; i++ {
		var m ml.Moments
		m.M1 = d.readFloats()
		m.M2 = d.readFloats()
		s.Optimizer.Moments = append(s.Optimizer.Moments, m)
	}

	s.Scaler.Scale = d.readFloat()
	s.Scaler.GoodSteps = d.readUint64()

	if d.err != nil {
		return nil, d.err
	}
	if len(d.data) != 0 {
		return nil, fmt.Errorf("%v trailing bytes in checkpoint body", len(d.data))
	}
	return s, nil
}
