// Package planes encodes a FEN position into the fixed 19x8x8 input of the value network.
//
// Layout is channel x file x rank. The rank coordinate is the index of the rank
// string in the FEN placement field, so rank 8 of the board is rank index 0.
package planes

import (
	"strconv"
	"strings"

	"github.com/ChizhovVadim/valuenet/internal/domain"
)

const (
	Channels = 19
	Files    = 8
	Ranks    = 8
	Squares  = Files * Ranks
	Size     = Channels * Squares
)

const (
	WhitePawn = iota
	WhiteKnight
	WhiteBishop
	WhiteRook
	WhiteQueen
	WhiteKing
	BlackPawn
	BlackKnight
	BlackBishop
	BlackRook
	BlackQueen
	BlackKing
	SideToMove
	WhiteCastleKing
	WhiteCastleQueen
	BlackCastleKing
	BlackCastleQueen
	EnPassant
	HalfmoveClock
)

const HalfmoveScale = 50.0

// Tensor is an encoded position. Being an array it is copied by value and
// never aliased between samples.
type Tensor [Size]float32

func Index(channel, file, rank int) int {
	return channel*Squares + file*Ranks + rank
}

func (t *Tensor) At(channel, file, rank int) float32 {
	return t[Index(channel, file, rank)]
}

func (t *Tensor) Plane(channel int) []float32 {
	return t[channel*Squares : (channel+1)*Squares]
}

func (t *Tensor) fill(channel int, value float32) {
	var plane = t.Plane(channel)
	for i := range plane {
		plane[i] = value
	}
}

var pieceChannels = map[rune]int{
	'P': WhitePawn, 'N': WhiteKnight, 'B': WhiteBishop, 'R': WhiteRook, 'Q': WhiteQueen, 'K': WhiteKing,
	'p': BlackPawn, 'n': BlackKnight, 'b': BlackBishop, 'r': BlackRook, 'q': BlackQueen, 'k': BlackKing,
}

var castleChannels = []struct {
	symbol  string
	channel int
}{
	{"K", WhiteCastleKing},
	{"Q", WhiteCastleQueen},
	{"k", BlackCastleKing},
	{"q", BlackCastleQueen},
}

// Encode converts a FEN string into a Tensor. Only the first six fields are used.
func Encode(fen string) (Tensor, error) {
	var t Tensor
	var fields = strings.Fields(fen)
	if len(fields) < 6 {
		return t, domain.NewFormatError(fen, "fen has less than 6 fields")
	}
	var (
		placement = fields[0]
		side      = fields[1]
		castling  = fields[2]
		enPassant = fields[3]
		halfmove  = fields[4]
	)

	for rank, row := range strings.Split(placement, "/") {
		if rank >= Ranks {
			break
		}
		var file = 0
		for _, ch := range row {
			if ch >= '0' && ch <= '9' {
				file += int(ch - '0')
				continue
			}
			channel, ok := pieceChannels[ch]
			if !ok {
				continue
			}
			if file < Files {
				t[Index(channel, file, rank)] = 1
			}
			file++
		}
	}

	if side == "w" {
		t.fill(SideToMove, 1)
	}

	for _, c := range castleChannels {
		if strings.Contains(castling, c.symbol) {
			t.fill(c.channel, 1)
		}
	}

	if enPassant != "-" {
		var file = int(enPassant[0]) - 'a'
		if file >= 0 && file < Files {
			for rank := 0; rank < Ranks; rank++ {
				t[Index(EnPassant, file, rank)] = 1
			}
		}
	}

	hm, err := strconv.Atoi(halfmove)
	if err != nil {
		hm = 0
	}
	t.fill(HalfmoveClock, float32(float64(hm)/HalfmoveScale))

	return t, nil
}
