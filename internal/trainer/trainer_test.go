package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/checkpoint"
	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/ChizhovVadim/valuenet/internal/export"
	"github.com/ChizhovVadim/valuenet/internal/loader"
	"github.com/ChizhovVadim/valuenet/internal/nn"
	"github.com/ChizhovVadim/valuenet/internal/planes"
)

var positions = []string{
	"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
	"rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1",
	"8/8/8/8/8/8/8/K6k w - - 0 1",
	"r3k2r/p1ppqpb1/bn2pnp1/3PN3/1p2P3/2N2Q1p/PPPBBPPP/R3K2R w KQkq - 0 1",
	"8/2p5/3p4/KP5r/1R3p1k/8/4P1P1/8 w - - 0 1",
	"r4rk1/1pp1qppp/p1np1n2/2b1p1B1/2B1P1b1/P1NP1N2/1PP1QPPP/R4RK1 w - - 0 10",
}

// writeCorpus writes n lines, 18 give 5 batches of 4 per epoch.
func writeCorpus(t *testing.T, n int) string {
	t.Helper()
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%v,%v\n", positions[i%len(positions)], (i*37)%400-200)
	}
	var path = filepath.Join(t.TempDir(), "corpus.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(corpusPath, dir string) Config {
	var config = DefaultConfig()
	config.CorpusPath = corpusPath
	config.CheckpointDir = dir
	config.BatchSize = 4
	config.Workers = 2
	config.Epochs = 2
	config.LearningRate = 1e-3
	config.SaveEvery = 5
	config.LogEvery = 1000
	config.Device = amp.Device{Name: amp.DeviceCPU}
	config.Seed = 1
	config.Network = nn.Config{InputPlanes: planes.Channels, Filters: 2, Blocks: 1, HeadChannels: 2, HiddenUnits: 4}
	return config
}

func newTrainer(config Config) *Trainer {
	var t = New(config)
	t.Logger = log.New(io.Discard, "", 0)
	return t
}

func checkpointSteps(t *testing.T, dir string) []uint64 {
	t.Helper()
	paths, err := checkpoint.NewStore(dir).List()
	if err != nil {
		t.Fatal(err)
	}
	var result []uint64
	for _, p := range paths {
		step, _ := checkpoint.StepOf(p)
		result = append(result, step)
	}
	return result
}

func TestRunCompletes(t *testing.T) {
	var dir = t.TempDir()
	var config = testConfig(writeCorpus(t, 18), dir)
	config.Export = true
	var tr = newTrainer(config)
	var steps []uint64
	tr.OnStep = func(step uint64, loss float64) {
		if math.IsNaN(loss) || loss < 0 {
			t.Errorf("step %v: loss %v", step, loss)
		}
		steps = append(steps, step)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != Completed {
		t.Errorf("state = %v", tr.State())
	}
	if len(steps) != 10 || steps[0] != 1 || steps[9] != 10 {
		t.Errorf("steps = %v", steps)
	}
	if got := checkpointSteps(t, dir); !reflect.DeepEqual(got, []uint64{5, 10}) {
		t.Errorf("checkpoints at %v, want [5 10]", got)
	}

	var history = tr.History()
	if len(history) != 2 || history[0].Step != 5 || history[1].Step != 10 {
		t.Fatalf("history = %+v", history)
	}
	state, err := checkpoint.Load(filepath.Join(dir, checkpoint.FileName(5)))
	if err != nil {
		t.Fatal(err)
	}
	if state.Epoch != 1 || state.EpochStep != 0 || len(state.History) != 1 {
		t.Errorf("checkpoint at the epoch boundary: epoch %v, epoch step %v, history %v",
			state.Epoch, state.EpochStep, len(state.History))
	}
	if state.History[0] != history[0] {
		t.Errorf("saved history %+v, want %+v", state.History[0], history[0])
	}

	net, err := export.Load(filepath.Join(dir, ExportName))
	if err != nil {
		t.Fatal(err)
	}
	if net.Config() != config.Network {
		t.Errorf("exported config %+v", net.Config())
	}
	if tr.Run(context.Background()) == nil {
		t.Error("second Run on the same trainer succeeded")
	}
}

func TestResumeIsExact(t *testing.T) {
	var corpusPath = writeCorpus(t, 18)

	var fullDir = t.TempDir()
	if err := newTrainer(testConfig(corpusPath, fullDir)).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var splitDir = t.TempDir()
	var first = testConfig(corpusPath, splitDir)
	first.MaxSteps = 7
	var tr = newTrainer(first)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != Completed || tr.Step() != 7 {
		t.Fatalf("max steps run ended %v at step %v", tr.State(), tr.Step())
	}
	if got := checkpointSteps(t, splitDir); !reflect.DeepEqual(got, []uint64{5, 7}) {
		t.Fatalf("checkpoints at %v, want [5 7]", got)
	}

	var second = testConfig(corpusPath, splitDir)
	second.ResumePath = ResumeLatest
	var resumed = newTrainer(second)
	var firstStep uint64
	resumed.OnStep = func(step uint64, loss float64) {
		if firstStep == 0 {
			firstStep = step
		}
	}
	if err := resumed.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if firstStep != 8 {
		t.Errorf("resumed run started at step %v, want 8", firstStep)
	}

	want, err := checkpoint.Load(filepath.Join(fullDir, checkpoint.FileName(10)))
	if err != nil {
		t.Fatal(err)
	}
	got, err := checkpoint.Load(filepath.Join(splitDir, checkpoint.FileName(10)))
	if err != nil {
		t.Fatal(err)
	}
	partial, err := checkpoint.Load(filepath.Join(splitDir, checkpoint.FileName(7)))
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != partial.RunID {
		t.Error("run id changed on resume")
	}
	if partial.Epoch != 1 || partial.EpochStep != 2 {
		t.Errorf("partial checkpoint at epoch %v step %v, want 1 and 2", partial.Epoch, partial.EpochStep)
	}
	if !reflect.DeepEqual(got.Weights, want.Weights) {
		t.Error("weights differ from the uninterrupted run")
	}
	if !reflect.DeepEqual(got.Optimizer, want.Optimizer) {
		t.Error("optimizer state differs from the uninterrupted run")
	}
	if !reflect.DeepEqual(got.History, want.History) {
		t.Errorf("history %+v, want %+v", got.History, want.History)
	}
}

func TestInterrupt(t *testing.T) {
	var dir = t.TempDir()
	var config = testConfig(writeCorpus(t, 18), dir)
	config.SaveEvery = 100
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var tr = newTrainer(config)
	tr.OnStep = func(step uint64, loss float64) {
		if step == 3 {
			cancel()
		}
	}
	if err := tr.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if tr.State() != Interrupted {
		t.Errorf("state = %v", tr.State())
	}
	if tr.Step() != 3 {
		t.Errorf("stopped at step %v, want 3", tr.Step())
	}
	if got := checkpointSteps(t, dir); !reflect.DeepEqual(got, []uint64{3}) {
		t.Errorf("checkpoints at %v, want [3]", got)
	}
}

func TestInterruptAfterCadenceSaveWritesNothingNew(t *testing.T) {
	var dir = t.TempDir()
	var config = testConfig(writeCorpus(t, 18), dir)
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var tr = newTrainer(config)
	tr.OnStep = func(step uint64, loss float64) {
		if step == 5 {
			cancel()
		}
	}
	if err := tr.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := checkpointSteps(t, dir); !reflect.DeepEqual(got, []uint64{5}) {
		t.Errorf("checkpoints at %v, want [5]", got)
	}
}

func TestFailureOnMalformedLine(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "corpus.csv")
	var content = positions[0] + ",10\n" + "not a position\n" + positions[1] + ",-5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	var dir = t.TempDir()
	var config = testConfig(path, dir)
	config.BatchSize = 3
	var tr = newTrainer(config)
	var err = tr.Run(context.Background())
	if !errors.Is(err, domain.ErrFormat) {
		t.Fatalf("Run error = %v, want format error", err)
	}
	if tr.State() != Failed {
		t.Errorf("state = %v", tr.State())
	}
	if got := checkpointSteps(t, dir); len(got) != 0 {
		t.Errorf("failed run wrote checkpoints %v", got)
	}

	config.Policy = loader.PolicySkip
	config.CheckpointDir = t.TempDir()
	tr = newTrainer(config)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatalf("skip policy: %v", err)
	}
	if tr.Step() != 2 {
		t.Errorf("skip policy ran %v steps, want 2", tr.Step())
	}
}

func TestMixedPrecisionRun(t *testing.T) {
	var dir = t.TempDir()
	var config = testConfig(writeCorpus(t, 18), dir)
	config.Device = amp.Device{Name: amp.DeviceFP16, MixedPrecision: true}
	var tr = newTrainer(config)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != Completed || tr.Step() != 10 {
		t.Fatalf("run ended %v at step %v", tr.State(), tr.Step())
	}
	state, err := checkpoint.Load(filepath.Join(dir, checkpoint.FileName(10)))
	if err != nil {
		t.Fatal(err)
	}
	if state.Scaler.Scale <= 0 || state.Scaler.Scale > amp.InitialScale {
		t.Errorf("scale = %v", state.Scaler.Scale)
	}
	for _, w := range state.Weights {
		for _, v := range w.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("%v holds %v", w.Name, v)
			}
		}
	}
}

func TestLogCadence(t *testing.T) {
	var config = testConfig(writeCorpus(t, 18), t.TempDir())
	config.LogEvery = 2
	var buf bytes.Buffer
	var tr = New(config)
	tr.Logger = log.New(&buf, "", 0)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var stepLines, epochLines int
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "epoch ") {
			stepLines++
			if strings.Count(line, " cp)") != 2 {
				t.Errorf("step line without centipawns for loss and average: %q", line)
			}
		}
		if strings.HasPrefix(line, "finished epoch ") {
			epochLines++
			if !strings.Contains(line, " cp)") {
				t.Errorf("epoch line without centipawns: %q", line)
			}
		}
	}
	if stepLines != 5 || epochLines != 2 {
		t.Errorf("%v step lines and %v epoch lines, want 5 and 2", stepLines, epochLines)
	}
}

func TestResumeLatestWithoutCheckpoints(t *testing.T) {
	var config = testConfig(writeCorpus(t, 8), t.TempDir())
	config.Epochs = 1
	config.ResumePath = ResumeLatest
	var tr = newTrainer(config)
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Step() != 2 {
		t.Errorf("step = %v, want 2", tr.Step())
	}
}

func TestValidate(t *testing.T) {
	var good = testConfig("corpus.csv", "checkpoints")
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no corpus", func(c *Config) { c.CorpusPath = "" }},
		{"batch", func(c *Config) { c.BatchSize = 0 }},
		{"lr", func(c *Config) { c.LearningRate = 0 }},
		{"save every", func(c *Config) { c.SaveEvery = 0 }},
		{"grad clip", func(c *Config) { c.GradClip = -1 }},
		{"network", func(c *Config) { c.Network.Filters = 0 }},
	}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var config = good
			tt.mutate(&config)
			if config.Validate() == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}
