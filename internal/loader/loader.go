// Package loader turns an indexed corpus into shuffled training batches,
// parsing and encoding positions on a pool of workers.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/ChizhovVadim/valuenet/internal/planes"
	"golang.org/x/sync/errgroup"
)

// Policy decides what happens to a corpus line that cannot be parsed or encoded.
type Policy int

const (
	// PolicyAbort fails the epoch with the format error.
	PolicyAbort Policy = iota
	// PolicySkip drops the sample and counts it.
	PolicySkip
)

func (p Policy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicySkip:
		return "skip"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

type Config struct {
	BatchSize int
	Workers   int
	Seed      int64
	Policy    Policy
	// Mirror adds the colour-flipped copy of every position with a negated score.
	Mirror    bool
	Logger    *log.Logger
}

// Batch holds Size encoded positions back to back in Inputs.
type Batch struct {
	Epoch   int
	Index   int
	Size    int
	Inputs  []float64
	Targets []float32
	Skipped int
}

type Loader struct {
	corpus *corpus.Corpus
	config Config
	logger *log.Logger
}

func New(c *corpus.Corpus, config Config) (*Loader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.New("batch size must be positive")
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	var logger = config.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{
		corpus: c,
		config: config,
		logger: logger,
	}, nil
}

// Len is the number of samples per epoch.
func (l *Loader) Len() int {
	if l.config.Mirror {
		return 2 * l.corpus.Len()
	}
	return l.corpus.Len()
}

// BatchesPerEpoch counts the final partial batch.
func (l *Loader) BatchesPerEpoch() int {
	return (l.Len() + l.config.BatchSize - 1) / l.config.BatchSize
}

// Permutation is the sample order of an epoch. It depends only on the seed and the epoch.
func (l *Loader) Permutation(epoch int) []uint32 {
	var perm = make([]uint32, l.Len())
	for i := range perm {
		perm[i] = uint32(i)
	}
	var rnd = rand.New(rand.NewSource(l.config.Seed + int64(epoch)))
	rnd.Shuffle(len(perm), func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})
	return perm
}

type batchJob struct {
	index int
	ids   []uint32
}

// Run sends the batches of epoch to out in order, starting with batch number skip.
// It does not close out.
func (l *Loader) Run(ctx context.Context, epoch, skip int, out chan<- Batch) error {
	var perm = l.Permutation(epoch)
	var batchSize = l.config.BatchSize

	g, ctx := errgroup.WithContext(ctx)

	var jobs = make(chan batchJob, l.config.Workers)
	var results = make(chan Batch, 2*l.config.Workers)

	g.Go(func() error {
		defer close(jobs)
		for index := skip; index*batchSize < len(perm); index++ {
			var end = min((index+1)*batchSize, len(perm))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- batchJob{index: index, ids: perm[index*batchSize : end]}:
			}
		}
		return nil
	})

	var wg = &sync.WaitGroup{}
	for i := 0; i < l.config.Workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return l.work(ctx, epoch, jobs, results)
		})
	}

	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		var pending = make(map[int]Batch)
		var next = skip
		var skipped int
		for batch := range results {
			pending[batch.Index] = batch
			for {
				batch, found := pending[next]
				if !found {
					break
				}
				delete(pending, next)
				skipped += batch.Skipped
				select {
				case <-ctx.Done():
					return ctx.Err()
				case out <- batch:
				}
				next++
			}
		}
		if skipped != 0 {
			l.logger.Println("loader",
				"epoch", epoch,
				"skipped", skipped)
		}
		return nil
	})

	return g.Wait()
}

func (l *Loader) work(ctx context.Context, epoch int, jobs <-chan batchJob, results chan<- Batch) error {
	reader, err := l.corpus.NewReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	for job := range jobs {
		var batch = Batch{
			Epoch:   epoch,
			Index:   job.index,
			Inputs:  make([]float64, len(job.ids)*planes.Size),
			Targets: make([]float32, 0, len(job.ids)),
		}
		for _, id := range job.ids {
			sample, err := l.sample(reader, int(id))
			if err != nil {
				if l.config.Policy == PolicySkip && errors.Is(err, domain.ErrFormat) {
					batch.Skipped++
					continue
				}
				return fmt.Errorf("epoch %v batch %v: %w", epoch, job.index, err)
			}
			var dst = batch.Inputs[batch.Size*planes.Size:]
			for i, v := range sample.Input {
				dst[i] = float64(v)
			}
			batch.Targets = append(batch.Targets, sample.Target)
			batch.Size++
		}
		batch.Inputs = batch.Inputs[:batch.Size*planes.Size]
		select {
		case <-ctx.Done():
			return ctx.Err()
		case results <- batch:
		}
	}
	return nil
}

// sample maps ids past the corpus end onto mirrored positions.
func (l *Loader) sample(reader *corpus.Reader, id int) (corpus.Sample, error) {
	var n = l.corpus.Len()
	var mirrored = id >= n
	if mirrored {
		id -= n
	}
	rec, err := reader.Record(id)
	if err != nil {
		return corpus.Sample{}, fmt.Errorf("line %v: %w", id, err)
	}
	if mirrored {
		fen, err := planes.MirrorFen(rec.Fen)
		if err != nil {
			return corpus.Sample{}, fmt.Errorf("line %v: %w", id, err)
		}
		rec = domain.Record{Fen: fen, Centipawns: -rec.Centipawns}
	}
	sample, err := corpus.ToSample(rec, l.corpus.ClipPawns())
	if err != nil {
		return corpus.Sample{}, fmt.Errorf("line %v: %w", id, err)
	}
	return sample, nil
}
