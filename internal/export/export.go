package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/ChizhovVadim/valuenet/internal/nn"
)

// Binary layout of the exported value network:
// - All the data is stored in little-endian layout
// - The magic number/version consists of 4 bytes:
//   - 86 (which is the ASCII code for V), uint8
//   - 78 (which is the ASCII code for N), uint8
//   - 1 The major part of the current version number, uint8
//   - 0 The minor part of the current version number, uint8
//
// - 5 uint32 values: input planes, filters, residual blocks, head channels, hidden units
// - Every tensor of the network as float32, in the order of Network.Tensors,
//   batch norm running statistics included
func Save(path string, net *nn.Network) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w = bufio.NewWriter(f)
	if err := write(w, net); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func write(w io.Writer, net *nn.Network) error {
	var config = net.Config()
	var buf = make([]byte, 4+5*4)
	copy(buf, []byte{86, 78, 1, 0})
	for i, v := range []int{config.InputPlanes, config.Filters, config.Blocks, config.HeadChannels, config.HiddenUnits} {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(v))
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for _, t := range net.Tensors() {
		if err := writeSlice(w, t.Data); err != nil {
			return err
		}
	}
	return nil
}

func Load(path string) (*nn.Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	net, err := read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load network %v: %w", path, err)
	}
	return net, nil
}

func read(r io.Reader) (*nn.Network, error) {
	var buf = make([]byte, 4+5*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[0] != 86 || buf[1] != 78 {
		return nil, errors.New("magic word does not match")
	}
	if buf[2] != 1 || buf[3] != 0 {
		return nil, fmt.Errorf("network binary format %v.%v is not supported", buf[2], buf[3])
	}
	var fields [5]int
	for i := range fields {
		fields[i] = int(binary.LittleEndian.Uint32(buf[4+4*i:]))
	}
	var config = nn.Config{
		InputPlanes:  fields[0],
		Filters:      fields[1],
		Blocks:       fields[2],
		HeadChannels: fields[3],
		HiddenUnits:  fields[4],
	}
	net, err := nn.Build(config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	for _, t := range net.Tensors() {
		if err := readSlice(r, t.Data); err != nil {
			return nil, fmt.Errorf("tensor %v: %w", t.Name, err)
		}
	}
	return net, nil
}

func writeSlice(w io.Writer, data []float64) error {
	var buf = make([]byte, 4)
	for j := range data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(data[j])))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func readSlice(r io.Reader, data []float64) error {
	var buf = make([]byte, 4)
	for j := range data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		data[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}
	return nil
}
