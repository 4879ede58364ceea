package corpus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ChizhovVadim/valuenet/internal/domain"
)

var testLines = []string{
	"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1,+30",
	"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1,-12",
	"8/8/8/8/8/8/8/K6k w - - 0 1,0",
	"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1,3000",
	"8/2p5/3p4/KP5r/1R3p1k/8/4P1P1/8 w - - 0 1, +150 ",
	"8/8/8/8/8/8/8/K6k b - - 12 40,-2500",
}

var quietLogger = log.New(io.Discard, "", 0)

func writeCorpus(t *testing.T, content string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "corpus.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openCorpus(t *testing.T, path string) *Corpus {
	t.Helper()
	c, err := Open(context.Background(), path, Options{Logger: quietLogger})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestParseEval(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"150", 150, false},
		{"+150", 150, false},
		{"-35", -35, false},
		{"+12 depth=1", 12, false},
		{"0", 0, false},
		{"", 0, true},
		{"#3", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEval(tt.input)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrFormat) {
					t.Fatalf("ParseEval(%q) error = %v, want format error", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseEval(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLine(t *testing.T) {
	rec, err := ParseLine(" 8/8/8/8/8/8/8/K6k w - - 0 1 , +150 ")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fen != "8/8/8/8/8/8/8/K6k w - - 0 1" || rec.Centipawns != 150 {
		t.Errorf("unexpected record %+v", rec)
	}
	if _, err := ParseLine("8/8/8/8/8/8/8/K6k w - - 0 1"); !errors.Is(err, domain.ErrFormat) {
		t.Errorf("line without comma: %v", err)
	}
	if _, err := ParseLine("8/8/8/8/8/8/8/K6k w - - 0 1,mate"); !errors.Is(err, domain.ErrFormat) {
		t.Errorf("line with bad eval: %v", err)
	}
}

func TestClipTarget(t *testing.T) {
	tests := []struct {
		cp   int
		clip float64
		want float32
	}{
		{150, 20, 1.5},
		{3000, 20, 20},
		{-3000, 20, -20},
		{2000, 20, 20},
		{-1999, 20, -19.99},
		{500, 2.5, 2.5},
	}
	for _, tt := range tests {
		if got := ClipTarget(tt.cp, tt.clip); got != tt.want {
			t.Errorf("ClipTarget(%v, %v) = %v, want %v", tt.cp, tt.clip, got, tt.want)
		}
	}
	for _, clip := range []float64{0.1, 0.3, 1.7, 19.99} {
		for _, cp := range []int{100_000, -100_000} {
			var got = float64(ClipTarget(cp, clip))
			if math.Abs(got) > clip {
				t.Errorf("ClipTarget(%v, %v) = %v exceeds the bound", cp, clip, got)
			}
			if clip-math.Abs(got) > clip*1e-6 {
				t.Errorf("ClipTarget(%v, %v) = %v, want the largest float32 within the bound", cp, clip, got)
			}
		}
	}
	var rnd = rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		var cp = rnd.Intn(200_000) - 100_000
		var clip = 0.5 + rnd.Float64()*30
		var got = float64(ClipTarget(cp, clip))
		if got > clip || got < -clip {
			t.Fatalf("ClipTarget(%v, %v) = %v out of bound", cp, clip, got)
		}
	}
}

func TestIndexRoundTrip(t *testing.T) {
	var path = writeCorpus(t, strings.Join(testLines, "\n")+"\n")
	var c = openCorpus(t, path)
	if c.Len() != len(testLines) {
		t.Fatalf("Len = %v, want %v", c.Len(), len(testLines))
	}
	loaded, err := LoadIndex(IndexPath(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != len(c.index) {
		t.Fatalf("loaded %v offsets, built %v", len(loaded), len(c.index))
	}
	var offset uint64
	for i := range loaded {
		if loaded[i] != c.index[i] || loaded[i] != offset {
			t.Errorf("offset %v: loaded %v, built %v, want %v", i, loaded[i], c.index[i], offset)
		}
		offset += uint64(len(testLines[i]) + 1)
	}

	var reopened = openCorpus(t, path)
	if reopened.Len() != c.Len() {
		t.Errorf("reopened Len = %v", reopened.Len())
	}
}

func TestIndexWithoutTrailingNewline(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a,1", 1},
		{"a,1\n", 1},
		{"a,1\nb,2", 2},
		{"a,1\n\nb,2\n", 3},
	}
	for _, tt := range tests {
		index, err := buildIndex(context.Background(), strings.NewReader(tt.content))
		if err != nil {
			t.Fatal(err)
		}
		if len(index) != tt.want {
			t.Errorf("buildIndex(%q) = %v lines, want %v", tt.content, len(index), tt.want)
		}
	}
}

func TestExistingIndexIsTrusted(t *testing.T) {
	var path = writeCorpus(t, strings.Join(testLines, "\n")+"\n")
	if err := SaveIndex(IndexPath(path), Index{0, 1 << 40}); err != nil {
		t.Fatal(err)
	}
	var c = openCorpus(t, path)
	if c.Len() != 2 {
		t.Fatalf("Len = %v, expected sidecar to be loaded verbatim", c.Len())
	}
	_, err := Open(context.Background(), path, Options{Logger: quietLogger, VerifyIndex: true})
	if !errors.Is(err, ErrStaleIndex) {
		t.Fatalf("VerifyIndex: got %v, want ErrStaleIndex", err)
	}
}

func linearScan(t *testing.T, path string) []domain.Record {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	var result []domain.Record
	var scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		rec, err := ParseLine(scanner.Text())
		if err != nil {
			t.Fatal(err)
		}
		result = append(result, rec)
	}
	return result
}

func TestRandomAccessMatchesLinearScan(t *testing.T) {
	var path = writeCorpus(t, strings.Join(testLines, "\r\n")+"\r\n")
	var want = linearScan(t, path)
	var c = openCorpus(t, path)
	r, err := c.NewReader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var rnd = rand.New(rand.NewSource(42))
	for k := 0; k < 200; k++ {
		var i = rnd.Intn(len(want))
		rec, err := r.Record(i)
		if err != nil {
			t.Fatal(err)
		}
		if rec != want[i] {
			t.Fatalf("Record(%v) = %+v, want %+v", i, rec, want[i])
		}
	}
	for i := 1; i <= len(want); i++ {
		rec, err := r.Record(-i)
		if err != nil {
			t.Fatal(err)
		}
		if rec != want[len(want)-i] {
			t.Errorf("Record(%v) = %+v, want %+v", -i, rec, want[len(want)-i])
		}
	}
	for _, i := range []int{len(want), -len(want) - 1} {
		if _, err := r.Record(i); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Record(%v) error = %v, want ErrOutOfRange", i, err)
		}
	}
}

func TestWalkMatchesLinearScan(t *testing.T) {
	var path = writeCorpus(t, strings.Join(testLines, "\n"))
	var want = linearScan(t, path)
	var c = openCorpus(t, path)
	var got []domain.Record
	err := c.Walk(context.Background(), func(i int, rec domain.Record, err error) error {
		if err != nil {
			return err
		}
		if i != len(got) {
			return fmt.Errorf("unexpected line number %v", i)
		}
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("walk returned %v records, want %v", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %v = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSample(t *testing.T) {
	var path = writeCorpus(t, strings.Join(testLines, "\n")+"\n")
	var c = openCorpus(t, path)
	r, err := c.NewReader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	tests := []struct {
		index int
		want  float32
	}{
		{0, 0.3},
		{3, 20},
		{4, 1.5},
		{5, -20},
	}
	for _, tt := range tests {
		s, err := r.Sample(tt.index)
		if err != nil {
			t.Fatal(err)
		}
		if s.Target != tt.want {
			t.Errorf("Sample(%v).Target = %v, want %v", tt.index, s.Target, tt.want)
		}
	}
}

func TestSampleFormatErrors(t *testing.T) {
	var path = writeCorpus(t, "no comma here\n8/8/8/8 w,10\n8/8/8/8/8/8/8/K6k w - - 0 1,x y\n")
	var c = openCorpus(t, path)
	r, err := c.NewReader()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	for i := 0; i < c.Len(); i++ {
		if _, err := r.Sample(i); !errors.Is(err, domain.ErrFormat) {
			t.Errorf("Sample(%v) error = %v, want format error", i, err)
		}
	}
}

func TestConcurrentReaders(t *testing.T) {
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, fmt.Sprintf("8/8/8/8/8/8/8/K6k w - - %v 1,%v", i%100, i))
	}
	var path = writeCorpus(t, strings.Join(lines, "\n")+"\n")
	var c = openCorpus(t, path)

	var wg sync.WaitGroup
	var errs = make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r, err := c.NewReader()
			if err != nil {
				errs <- err
				return
			}
			defer r.Close()
			var rnd = rand.New(rand.NewSource(seed))
			for k := 0; k < 300; k++ {
				var i = rnd.Intn(c.Len())
				rec, err := r.Record(i)
				if err != nil {
					errs <- err
					return
				}
				if rec.Centipawns != i {
					errs <- fmt.Errorf("Record(%v) returned score %v", i, rec.Centipawns)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
