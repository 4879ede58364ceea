package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

var (
	ErrNoCheckpoint = errors.New("no checkpoint found")
	ErrCorrupt      = errors.New("checkpoint is corrupt")
)

// File layout:
// - magic 'V','N','C','K'
// - version: major, minor (uint8 each), 2 reserved bytes
// - xxhash64 of the uncompressed body, uint64 little-endian
// - body, zstd compressed
var magic = [4]byte{'V', 'N', 'C', 'K'}

const (
	versionMajor = 1
	versionMinor = 0
	headerSize   = 16

	filePrefix = "ckpt_step_"
	fileSuffix = ".ckpt"
)

// Store keeps one immutable file per saved step in a directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// FileName is zero padded so that lexical and chronological order agree.
func FileName(step uint64) string {
	return fmt.Sprintf("%v%08d%v", filePrefix, step, fileSuffix)
}

// StepOf parses the step out of a checkpoint file name.
func StepOf(path string) (uint64, bool) {
	var name = filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	step, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return step, true
}

// Save writes the state under its step name. An existing file for the same step is replaced atomically.
func (s *Store) Save(state *State) (string, error) {
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return "", err
	}
	var path = filepath.Join(s.dir, FileName(state.Step))
	tmp, err := os.CreateTemp(s.dir, FileName(state.Step)+".tmp*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp, state); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write checkpoint %v: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func write(w io.Writer, state *State) error {
	var body = encodeState(state)
	var header [headerSize]byte
	copy(header[:], magic[:])
	header[4] = versionMajor
	header[5] = versionMinor
	binary.LittleEndian.PutUint64(header[8:], xxhash.Sum64(body))

	var bw = bufio.NewWriter(w)
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}
	enc, err := zstd.NewWriter(bw)
	if err != nil {
		return err
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	state, err := read(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %v: %w", path, err)
	}
	return state, nil
}

func read(r io.Reader) (*State, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if [4]byte(header[:4]) != magic {
		return nil, fmt.Errorf("%w: magic word does not match", ErrCorrupt)
	}
	if header[4] != versionMajor {
		return nil, fmt.Errorf("checkpoint format %v.%v is not supported", header[4], header[5])
	}
	var checksum = binary.LittleEndian.Uint64(header[8:])

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if xxhash.Sum64(body) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	state, err := decodeState(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return state, nil
}

// List returns checkpoint paths ordered by step.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type item struct {
		path string
		step uint64
	}
	var items []item
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if step, ok := StepOf(de.Name()); ok {
			items = append(items, item{filepath.Join(s.dir, de.Name()), step})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].step < items[j].step
	})
	var result = make([]string, len(items))
	for i := range items {
		result[i] = items[i].path
	}
	return result, nil
}

func (s *Store) Latest() (string, error) {
	paths, err := s.List()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w in %v", ErrNoCheckpoint, s.dir)
	}
	return paths[len(paths)-1], nil
}
