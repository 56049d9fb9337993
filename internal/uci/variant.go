package uci

import (
	"os"
	"path/filepath"
	"strings"
)

// ModdedVariant translates variants the engine spells differently in some
// positions. A Capablanca or Capahouse game whose kings start on the e
// file and can still castle is played under Embassy castling rules.
func ModdedVariant(variant string, chess960 bool, fen string) string {
	if chess960 || (variant != "capablanca" && variant != "capahouse") || fen == "" {
		return variant
	}

	parts := strings.Fields(fen)
	if len(parts) < 3 || parts[2] == "-" {
		return variant
	}
	ranks := strings.Split(parts[0], "/")
	if len(ranks) != 8 {
		return variant
	}

	castling := parts[2]
	whiteOK := strings.ContainsAny(castling, "KQ") && fileOf('K', ranks[7]) == 4
	blackOK := strings.ContainsAny(castling, "kq") && fileOf('k', ranks[0]) == 4
	if whiteOK && blackOK {
		if strings.Contains(variant, "house") {
			return "embassyhouse"
		}
		return "embassy"
	}
	return variant
}

// fileOf returns the 0 based file of the first occurrence of piece in a
// FEN rank, -1 if absent.
func fileOf(piece byte, rank string) int {
	file := 0
	for i := 0; i < len(rank); i++ {
		c := rank[i]
		if c == piece {
			return file
		}
		if c >= '0' && c <= '9' {
			file += int(c - '0')
		} else {
			file++
		}
	}
	return -1
}

// ConfigureVariant applies the per job variant options ahead of a search.
// When the job allows NNUE and a network is configured for the variant,
// the engine is pointed at it.
func (s *Session) ConfigureVariant(variant string, chess960, nnue bool) error {
	if err := s.SetBool("UCI_Chess960", chess960); err != nil {
		return err
	}

	if file, ok := s.cfg.EvalFiles[variant]; ok && nnue {
		if _, err := os.Stat(filepath.Join(s.cfg.Dir, file)); err == nil {
			if err := s.SetOption("EvalFile", file); err != nil {
				return err
			}
		}
	}

	name := variant
	switch variant {
	case "standard", "fromposition", "chess960":
		name = "chess"
	}
	return s.SetOption("UCI_Variant", name)
}
