package corpus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Index holds the starting byte offset of every corpus line.
type Index []uint64

const indexSuffix = ".idx"

func IndexPath(corpusPath string) string {
	return corpusPath + indexSuffix
}

// BuildIndex scans the corpus once. A final line without a trailing newline is still indexed.
func BuildIndex(ctx context.Context, corpusPath string) (Index, error) {
	file, err := os.Open(corpusPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return buildIndex(ctx, file)
}

func buildIndex(ctx context.Context, r io.Reader) (Index, error) {
	var index Index
	var buf = make([]byte, 1<<20)
	var offset uint64
	var atLineStart = true
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(buf)
		var chunk = buf[:n]
		for len(chunk) > 0 {
			if atLineStart {
				index = append(index, offset)
				atLineStart = false
			}
			var i = bytes.IndexByte(chunk, '\n')
			if i < 0 {
				offset += uint64(len(chunk))
				break
			}
			offset += uint64(i + 1)
			chunk = chunk[i+1:]
			atLineStart = true
		}
		if err == io.EOF {
			return index, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// SaveIndex writes offsets as little-endian uint64 values. The file is replaced atomically.
func SaveIndex(path string, index Index) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w = bufio.NewWriterSize(tmp, 1<<20)
	var buf [8]byte
	for _, offset := range index {
		binary.LittleEndian.PutUint64(buf[:], offset)
		if _, err := w.Write(buf[:]); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func LoadIndex(path string) (Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("index %v: size %v is not a multiple of 8", path, len(data))
	}
	var index = make(Index, len(data)/8)
	for i := range index {
		index[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return index, nil
}

// verifyIndex is an opt-in staleness check. It is cheap and catches truncated
// or rewritten corpora, not in-place edits that keep line boundaries.
func verifyIndex(file *os.File, index Index) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	var size = uint64(info.Size())
	if len(index) == 0 {
		if size != 0 {
			return fmt.Errorf("%w: empty index for %v bytes of corpus", ErrStaleIndex, size)
		}
		return nil
	}
	if index[0] != 0 {
		return fmt.Errorf("%w: first offset %v", ErrStaleIndex, index[0])
	}
	var last = index[len(index)-1]
	if last >= size {
		return fmt.Errorf("%w: last offset %v beyond corpus size %v", ErrStaleIndex, last, size)
	}
	if last > 0 {
		var b [1]byte
		if _, err := file.ReadAt(b[:], int64(last-1)); err != nil {
			return err
		}
		if b[0] != '\n' {
			return fmt.Errorf("%w: last offset %v is not a line start", ErrStaleIndex, last)
		}
	}
	return nil
}
