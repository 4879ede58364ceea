package corpus

import (
	"math"
	"strconv"
	"strings"

	"github.com/ChizhovVadim/valuenet/internal/domain"
	"github.com/ChizhovVadim/valuenet/internal/planes"
)

const DefaultClipPawns = 20.0

type Sample struct {
	Input  planes.Tensor
	Target float32
}

// ParseLine splits "<fen>,<eval>" on the last comma.
func ParseLine(line string) (domain.Record, error) {
	var index = strings.LastIndexByte(line, ',')
	if index < 0 {
		return domain.Record{}, domain.NewFormatError(line, "no evaluation field")
	}
	var fen = strings.TrimSpace(line[:index])
	score, err := ParseEval(strings.TrimSpace(line[index+1:]))
	if err != nil {
		return domain.Record{}, err
	}
	return domain.Record{Fen: fen, Centipawns: score}, nil
}

// ParseEval accepts a plain integer, a "+"-prefixed one, or an integer followed by other tokens.
func ParseEval(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	var tokens = strings.Fields(strings.ReplaceAll(s, "+", ""))
	if len(tokens) == 0 {
		return 0, domain.NewFormatError(s, "empty evaluation")
	}
	v, err := strconv.Atoi(tokens[0])
	if err != nil {
		return 0, domain.NewFormatError(s, "bad evaluation")
	}
	return v, nil
}

// ClipTarget converts centipawns to pawns bounded by clipPawns. The bound holds
// after rounding to float32 as well.
func ClipTarget(centipawns int, clipPawns float64) float32 {
	var target = float64(centipawns) / 100
	if target > clipPawns {
		target = clipPawns
	} else if target < -clipPawns {
		target = -clipPawns
	}
	var result = float32(target)
	if float64(result) > clipPawns || float64(result) < -clipPawns {
		result = math.Nextafter32(result, 0)
	}
	return result
}

func ToSample(rec domain.Record, clipPawns float64) (Sample, error) {
	input, err := planes.Encode(rec.Fen)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Input:  input,
		Target: ClipTarget(rec.Centipawns, clipPawns),
	}, nil
}
