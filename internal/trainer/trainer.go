// Package trainer runs the resumable training loop of the value network.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ChizhovVadim/valuenet/internal/amp"
	"github.com/ChizhovVadim/valuenet/internal/checkpoint"
	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/export"
	"github.com/ChizhovVadim/valuenet/internal/loader"
	"github.com/ChizhovVadim/valuenet/internal/ml"
	"github.com/ChizhovVadim/valuenet/internal/nn"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

var (
	errInterrupted = errors.New("training interrupted")
	errMaxSteps    = errors.New("max steps reached")
)

type Trainer struct {
	config Config
	state  atomic.Int32

	Logger *log.Logger
	// OnStep is called on the training goroutine after every completed step.
	OnStep func(step uint64, loss float64)

	net     *nn.Network
	params  []*ml.Param
	opt     *ml.Adam
	scaler  *amp.Scaler
	loader  *loader.Loader
	store   *checkpoint.Store
	costFn  ml.Loss
	grad    []float64
	started time.Time

	runID     string
	step      uint64
	epoch     uint64
	epochStep uint64
	epochLoss float64
	history   []checkpoint.HistoryEntry
	saved     bool
	savedStep uint64
}

func New(config Config) *Trainer {
	return &Trainer{
		config: config,
		Logger: log.Default(),
		costFn: ml.MeanSquaredError{},
	}
}

func (t *Trainer) State() State { return State(t.state.Load()) }

func (t *Trainer) setState(s State) { t.state.Store(int32(s)) }

// Network is available once Run has built it.
func (t *Trainer) Network() *nn.Network { return t.net }

func (t *Trainer) Step() uint64 { return t.step }

// Run trains until the configured epochs or MaxSteps are done or ctx is cancelled.
// Cancellation is observed between steps and ends with a checkpoint and a nil error.
func (t *Trainer) Run(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return fmt.Errorf("trainer is %v", t.State())
	}
	var err = t.run(ctx)
	if err != nil {
		if errors.Is(err, errInterrupted) {
			t.setState(Interrupted)
			return nil
		}
		t.setState(Failed)
		return err
	}
	t.setState(Completed)
	return nil
}

func (t *Trainer) run(ctx context.Context) error {
	var config = &t.config
	if err := config.Validate(); err != nil {
		return err
	}
	var device = config.Device
	t.Logger.Println("device", device)

	c, err := corpus.Open(ctx, config.CorpusPath, corpus.Options{
		ClipPawns:   config.ClipPawns,
		VerifyIndex: config.VerifyIndex,
		Logger:      t.Logger,
	})
	if err != nil {
		return err
	}
	t.loader, err = loader.New(c, loader.Config{
		BatchSize: config.BatchSize,
		Workers:   config.Workers,
		Seed:      config.Seed,
		Policy:    config.Policy,
		Mirror:    config.Mirror,
		Logger:    t.Logger,
	})
	if err != nil {
		return err
	}
	if t.loader.Len() == 0 {
		return errors.New("corpus is empty")
	}

	t.net, err = nn.Build(config.Network, rand.New(rand.NewSource(config.Seed)))
	if err != nil {
		return err
	}
	t.net.SetHalf(device.MixedPrecision)
	t.params = t.net.Params()
	t.opt = ml.NewAdam(t.params, config.LearningRate)
	t.scaler = amp.NewScaler(device.MixedPrecision)
	t.store = checkpoint.NewStore(config.CheckpointDir)
	t.runID = uuid.NewString()

	if config.ResumePath != "" {
		if err := t.resume(config.ResumePath); err != nil {
			return err
		}
	}

	t.Logger.Println("train started",
		"run", t.runID,
		"samples", t.loader.Len(),
		"batchesPerEpoch", t.loader.BatchesPerEpoch(),
		"step", t.step)
	t.started = time.Now()

	err = t.train(ctx)
	if err != nil && !errors.Is(err, errInterrupted) && !errors.Is(err, errMaxSteps) {
		return err
	}
	if !t.saved || t.savedStep != t.step {
		if saveErr := t.save(); saveErr != nil {
			return saveErr
		}
	}
	if config.Export {
		var path = filepath.Join(config.CheckpointDir, ExportName)
		if exportErr := export.Save(path, t.net); exportErr != nil {
			return exportErr
		}
		t.Logger.Println("network exported", "path", path)
	}
	t.Logger.Println("train finished",
		"step", t.step,
		"elapsed", time.Since(t.started).Round(time.Second))
	if errors.Is(err, errInterrupted) {
		return err
	}
	return nil
}

func (t *Trainer) resume(path string) error {
	if path == ResumeLatest {
		latest, err := t.store.Latest()
		if err != nil {
			if errors.Is(err, checkpoint.ErrNoCheckpoint) {
				t.Logger.Println("nothing to resume, starting fresh", "dir", t.store.Dir())
				return nil
			}
			return err
		}
		path = latest
	}
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := restoreTensors(t.net.Tensors(), state.Weights); err != nil {
		return fmt.Errorf("resume %v: %w", path, err)
	}
	if err := t.opt.SetState(state.Optimizer); err != nil {
		return fmt.Errorf("resume %v: %w", path, err)
	}
	t.scaler.SetState(state.Scaler)
	t.runID = state.RunID
	t.step = state.Step
	t.epoch = state.Epoch
	t.epochStep = state.EpochStep
	t.epochLoss = state.EpochLoss
	t.history = state.History
	if step, ok := checkpoint.StepOf(path); ok && step == state.Step &&
		filepath.Clean(filepath.Dir(path)) == filepath.Clean(t.store.Dir()) {
		t.saved, t.savedStep = true, step
	}
	t.Logger.Println("resumed",
		"path", path,
		"step", t.step,
		"epoch", t.epoch+1,
		"epochStep", t.epochStep)
	return nil
}

func restoreTensors(params []*ml.Param, tensors []checkpoint.Tensor) error {
	if len(params) != len(tensors) {
		return fmt.Errorf("checkpoint has %v tensors, network has %v", len(tensors), len(params))
	}
	for i, p := range params {
		var src = &tensors[i]
		if src.Name != p.Name || len(src.Data) != len(p.Data) {
			return fmt.Errorf("checkpoint tensor %v does not match network tensor %v", src.Name, p.Name)
		}
		copy(p.Data, src.Data)
	}
	return nil
}

func (t *Trainer) train(ctx context.Context) error {
	for t.epoch < uint64(t.config.Epochs) {
		if err := t.checkStop(ctx); err != nil {
			return err
		}
		if err := t.trainEpoch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// trainEpoch consumes the rest of the current epoch. The loader has its own
// context so that an interrupt never discards a batch in flight.
func (t *Trainer) trainEpoch(ctx context.Context) error {
	var epoch = t.epoch
	var skip = int(t.epochStep)
	var batchesPerEpoch = uint64(t.loader.BatchesPerEpoch())
	var epochStart = time.Now()

	g, loaderCtx := errgroup.WithContext(context.Background())
	var batches = make(chan loader.Batch, 1)

	g.Go(func() error {
		defer close(batches)
		return t.loader.Run(loaderCtx, int(epoch), skip, batches)
	})

	g.Go(func() error {
		for batch := range batches {
			if err := t.checkStop(ctx); err != nil {
				return err
			}
			if batch.Size != 0 {
				var loss = t.trainStep(&batch)
				t.epochLoss += loss
				if t.step%uint64(t.config.LogEvery) == 0 {
					t.logStep(loss)
				}
				if t.OnStep != nil {
					t.OnStep(t.step, loss)
				}
			}
			t.epochStep++
			if t.epochStep == batchesPerEpoch {
				t.finishEpoch(time.Since(epochStart))
			}
			if batch.Size != 0 && t.step%uint64(t.config.SaveEvery) == 0 {
				if err := t.save(); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if t.epoch == epoch {
		// the loader ended early only if it was asked to resume past the epoch end
		t.finishEpoch(time.Since(epochStart))
	}
	return nil
}

func (t *Trainer) checkStop(ctx context.Context) error {
	if ctx.Err() != nil {
		return errInterrupted
	}
	if t.config.MaxSteps != 0 && t.step >= t.config.MaxSteps {
		return errMaxSteps
	}
	return nil
}

func (t *Trainer) trainStep(batch *loader.Batch) float64 {
	ml.ZeroGrads(t.params)
	var output = t.net.Forward(batch.Inputs, batch.Size, true)
	if cap(t.grad) < batch.Size {
		t.grad = make([]float64, batch.Size)
	}
	var grad = t.grad[:batch.Size]
	var loss = t.costFn.Loss(output, batch.Targets, grad)

	var scale = t.scaler.Scale()
	if scale != 1 {
		floats.Scale(scale, grad)
		amp.RoundHalf(grad)
	}
	t.net.Backward(grad)
	if scale != 1 {
		ml.ScaleGrads(t.params, 1/scale)
	}

	var finite = ml.GradsFinite(t.params)
	if finite {
		ml.ClipGradNorm(t.params, t.config.GradClip)
		t.opt.Step(t.params)
	} else {
		t.Logger.Println("non-finite gradients, update skipped",
			"step", t.step+1,
			"scale", scale)
	}
	t.scaler.Update(!finite)
	t.step++
	return loss
}

func (t *Trainer) logStep(loss float64) {
	var avg = t.epochLoss / float64(t.epochStep+1)
	t.Logger.Printf("epoch %v step %v loss %.5f (rmse %.3f pawns, %.0f cp) avg %.5f (rmse %.3f pawns, %.0f cp)",
		t.epoch+1, t.step, loss, math.Sqrt(loss), 100*math.Sqrt(loss), avg, math.Sqrt(avg), 100*math.Sqrt(avg))
}

// finishEpoch records the epoch average and moves the cursor to the next epoch.
func (t *Trainer) finishEpoch(elapsed time.Duration) {
	var avg float64
	if t.epochStep != 0 {
		avg = t.epochLoss / float64(t.epochStep)
	}
	t.history = append(t.history, checkpoint.HistoryEntry{Step: t.step, AvgLoss: avg})
	t.Logger.Printf("finished epoch %v: avg loss %.5f (rmse %.3f pawns, %.0f cp), %v",
		t.epoch+1, avg, math.Sqrt(avg), 100*math.Sqrt(avg), elapsed.Round(time.Millisecond))
	t.epoch++
	t.epochStep = 0
	t.epochLoss = 0
}

func (t *Trainer) save() error {
	t.setState(Checkpointing)
	defer t.setState(Running)
	path, err := t.store.Save(&checkpoint.State{
		RunID:     t.runID,
		Step:      t.step,
		Epoch:     t.epoch,
		EpochStep: t.epochStep,
		EpochLoss: t.epochLoss,
		History:   t.history,
		Weights:   checkpoint.FromParams(t.net.Tensors()),
		Optimizer: t.opt.State(),
		Scaler:    t.scaler.State(),
	})
	if err != nil {
		return err
	}
	t.saved, t.savedStep = true, t.step
	t.Logger.Println("checkpoint saved", "path", path)
	return nil
}

// History returns the per-epoch averages recorded so far.
func (t *Trainer) History() []checkpoint.HistoryEntry {
	return append([]checkpoint.HistoryEntry(nil), t.history...)
}
