package planes

import (
	"strings"
	"unicode"

	"github.com/ChizhovVadim/valuenet/internal/domain"
)

// MirrorFen returns the colour-flipped position: ranks reversed, piece colours,
// side to move and castling rights swapped, en passant rank mirrored.
// The evaluation of the mirrored position is the negated evaluation of the original.
func MirrorFen(fen string) (string, error) {
	var fields = strings.Fields(fen)
	if len(fields) < 6 {
		return "", domain.NewFormatError(fen, "fen has less than 6 fields")
	}

	var rows = strings.Split(fields[0], "/")
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	fields[0] = swapCase(strings.Join(rows, "/"))

	switch fields[1] {
	case "w":
		fields[1] = "b"
	case "b":
		fields[1] = "w"
	}

	if fields[2] != "-" {
		fields[2] = orderCastling(swapCase(fields[2]))
	}

	if ep := fields[3]; ep != "-" && len(ep) == 2 && ep[1] >= '1' && ep[1] <= '8' {
		fields[3] = string([]byte{ep[0], '1' + '8' - ep[1]})
	}

	return strings.Join(fields, " "), nil
}

func swapCase(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsUpper(r) {
			return unicode.ToLower(r)
		}
		return unicode.ToUpper(r)
	}, s)
}

// orderCastling restores the conventional KQkq order after a case swap.
func orderCastling(s string) string {
	var sb strings.Builder
	for _, symbol := range "KQkq" {
		if strings.ContainsRune(s, symbol) {
			sb.WriteRune(symbol)
		}
	}
	// Shredder-FEN file letters are kept as they are.
	for _, r := range s {
		if !strings.ContainsRune("KQkq", r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
