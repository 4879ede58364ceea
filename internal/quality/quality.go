package quality

import (
	"context"
	"errors"
	"log"
	"math"

	"github.com/ChizhovVadim/valuenet/internal/corpus"
	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/ChizhovVadim/valuenet/internal/planes"
)

type IEvaluator interface {
	Evaluate(position *planes.Tensor) float64
}

type Report struct {
	Count     int
	Malformed int
	MSE       float64
	MAE       float64
}

// RMSE is in pawns.
func (r Report) RMSE() float64 { return math.Sqrt(r.MSE) }

// Measure compares evaluator against the clipped corpus targets.
// Malformed lines are counted and skipped. limit 0 means the whole corpus.
func Measure(ctx context.Context, evaluator IEvaluator, c *corpus.Corpus, limit int) (Report, error) {
	var errLimit = errors.New("limit reached")
	var sum, sumSq float64
	var report Report
	var err = c.Walk(ctx, func(i int, rec domain.Record, err error) error {
		if limit != 0 && report.Count+report.Malformed >= limit {
			return errLimit
		}
		var sample corpus.Sample
		if err == nil {
			sample, err = corpus.ToSample(rec, c.ClipPawns())
		}
		if err != nil {
			if errors.Is(err, domain.ErrFormat) {
				report.Malformed++
				return nil
			}
			return err
		}
		var x = evaluator.Evaluate(&sample.Input) - float64(sample.Target)
		sum += math.Abs(x)
		sumSq += x * x
		report.Count++
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return Report{}, err
	}
	if report.Count != 0 {
		report.MAE = sum / float64(report.Count)
		report.MSE = sumSq / float64(report.Count)
	}
	log.Printf("mse cost: %f (rmse %.3f pawns, mae %.3f), %v positions, %v malformed",
		report.MSE, report.RMSE(), report.MAE, report.Count, report.Malformed)
	return report, nil
}
