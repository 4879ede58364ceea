// Package corpus gives random access to a line-oriented "<fen>,<centipawns>" file
// through a persisted offset index, without loading the corpus into memory.
package corpus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/dustin/go-humanize"
)

var (
	ErrOutOfRange = errors.New("corpus index out of range")
	ErrStaleIndex = errors.New("corpus index does not match corpus")
)

type Options struct {
	// IndexPath defaults to the corpus path with ".idx" appended.
	IndexPath   string
	ClipPawns   float64
	VerifyIndex bool
	Logger      *log.Logger
}

// Corpus is immutable after Open and may be shared between goroutines.
// File handles are not part of it: every consumer obtains its own Reader.
type Corpus struct {
	path      string
	index     Index
	clipPawns float64
}

func Open(ctx context.Context, path string, opts Options) (*Corpus, error) {
	var logger = opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var indexPath = opts.IndexPath
	if indexPath == "" {
		indexPath = IndexPath(path)
	}
	var clipPawns = opts.ClipPawns
	if clipPawns <= 0 {
		clipPawns = DefaultClipPawns
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var index Index
	if _, err := os.Stat(indexPath); err == nil {
		index, err = LoadIndex(indexPath)
		if err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
		logger.Println("corpus index loaded",
			"path", indexPath,
			"lines", humanize.Comma(int64(len(index))))
	} else if errors.Is(err, os.ErrNotExist) {
		logger.Println("building corpus index",
			"path", path,
			"size", humanize.Bytes(uint64(info.Size())))
		var start = time.Now()
		index, err = BuildIndex(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("build index: %w", err)
		}
		if err := SaveIndex(indexPath, index); err != nil {
			return nil, fmt.Errorf("save index: %w", err)
		}
		logger.Println("corpus index built",
			"lines", humanize.Comma(int64(len(index))),
			"path", indexPath,
			"elapsed", time.Since(start).Round(time.Millisecond))
	} else {
		return nil, err
	}

	if opts.VerifyIndex {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		err = verifyIndex(file, index)
		file.Close()
		if err != nil {
			return nil, err
		}
	}

	return &Corpus{
		path:      path,
		index:     index,
		clipPawns: clipPawns,
	}, nil
}

func (c *Corpus) Len() int { return len(c.index) }

func (c *Corpus) Path() string { return c.path }

func (c *Corpus) ClipPawns() float64 { return c.clipPawns }

// Resolve maps i to a line number. Negative values count from the end.
func (c *Corpus) Resolve(i int) (int, error) {
	var n = len(c.index)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%w: %v of %v", ErrOutOfRange, i, n)
	}
	return i, nil
}

// NewReader opens a file handle owned by the caller.
func (c *Corpus) NewReader() (*Reader, error) {
	file, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		corpus: c,
		file:   file,
		br:     bufio.NewReaderSize(file, 4096),
	}, nil
}

// Walk scans the corpus sequentially. Parse failures are passed to fn, not returned.
func (c *Corpus) Walk(ctx context.Context, fn func(i int, rec domain.Record, err error) error) error {
	file, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer file.Close()

	var br = bufio.NewReaderSize(file, 1<<20)
	for i := 0; ; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line, err := br.ReadString('\n')
		if err == io.EOF && line == "" {
			return nil
		}
		if err != nil && err != io.EOF {
			return err
		}
		rec, parseErr := ParseLine(cleanLine(line))
		if err := fn(i, rec, parseErr); err != nil {
			return err
		}
	}
}

// Reader must not be used from more than one goroutine: it owns a seek position.
type Reader struct {
	corpus *Corpus
	file   *os.File
	br     *bufio.Reader
}

func (r *Reader) Line(i int) (string, error) {
	i, err := r.corpus.Resolve(i)
	if err != nil {
		return "", err
	}
	if _, err := r.file.Seek(int64(r.corpus.index[i]), io.SeekStart); err != nil {
		return "", err
	}
	r.br.Reset(r.file)
	line, err := r.br.ReadString('\n')
	if err == io.EOF {
		if line == "" {
			return "", fmt.Errorf("line %v: %w", i, io.ErrUnexpectedEOF)
		}
	} else if err != nil {
		return "", err
	}
	return cleanLine(line), nil
}

func (r *Reader) Record(i int) (domain.Record, error) {
	line, err := r.Line(i)
	if err != nil {
		return domain.Record{}, err
	}
	return ParseLine(line)
}

func (r *Reader) Sample(i int) (Sample, error) {
	rec, err := r.Record(i)
	if err != nil {
		return Sample{}, err
	}
	return ToSample(rec, r.corpus.clipPawns)
}

func (r *Reader) Close() error {
	return r.file.Close()
}

func cleanLine(line string) string {
	line = strings.TrimRight(line, "\r\n")
	return strings.ToValidUTF8(line, "�")
}
