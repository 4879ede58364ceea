package quality

import (
	"context"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/planes"
)

type sideToMoveEvaluator struct{}

// Evaluate returns one pawn for white to move and zero otherwise.
func (sideToMoveEvaluator) Evaluate(position *planes.Tensor) float64 {
	return float64(position.At(planes.SideToMove, 0, 0))
}

func openCorpus(t *testing.T, lines []string) *corpus.Corpus {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "validation.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := corpus.Open(context.Background(), path, corpus.Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMeasure(t *testing.T) {
	var c = openCorpus(t, []string{
		"8/8/8/8/8/8/8/K6k w - - 0 1,100",
		"8/8/8/8/8/8/8/K6k b - - 0 1,-200",
		"broken line",
		"8/8/8/8/8/8/8/K6k w - - 0 1,+5000",
	})
	report, err := Measure(context.Background(), sideToMoveEvaluator{}, c, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count != 3 || report.Malformed != 1 {
		t.Fatalf("report = %+v", report)
	}
	// errors: 0, 2, -19
	var wantMSE = (0.0 + 4 + 361) / 3
	if math.Abs(report.MSE-wantMSE) > 1e-9 || math.Abs(report.MAE-7) > 1e-9 {
		t.Errorf("MSE %v MAE %v, want %v and 7", report.MSE, report.MAE, wantMSE)
	}
	if math.Abs(report.RMSE()-math.Sqrt(wantMSE)) > 1e-9 {
		t.Errorf("RMSE = %v", report.RMSE())
	}
}

func TestMeasureLimit(t *testing.T) {
	var c = openCorpus(t, []string{
		"8/8/8/8/8/8/8/K6k w - - 0 1,100",
		"8/8/8/8/8/8/8/K6k w - - 0 1,100",
		"8/8/8/8/8/8/8/K6k w - - 0 1,-100",
	})
	report, err := Measure(context.Background(), sideToMoveEvaluator{}, c, 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count != 2 || report.MSE != 0 {
		t.Errorf("report = %+v", report)
	}
}
