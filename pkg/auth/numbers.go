package auth

import (
	"strconv"
	"strings"
	"unicode"
)

type wordKind int

const (
	kindUnit wordKind = iota + 1
	kindTeen
	kindTens
	kindHundreds
	kindHundred
	kindThousand
	kindJoin
)

type numberWord struct {
	val  int
	kind wordKind
}

var numberWords = map[string]numberWord{
	// English
	"zero": {0, kindUnit}, "oh": {0, kindUnit},
	"one": {1, kindUnit}, "two": {2, kindUnit}, "three": {3, kindUnit}, "four": {4, kindUnit},
	"five": {5, kindUnit}, "six": {6, kindUnit}, "seven": {7, kindUnit}, "eight": {8, kindUnit}, "nine": {9, kindUnit},
	"first": {1, kindUnit}, "second": {2, kindUnit}, "third": {3, kindUnit}, "fourth": {4, kindUnit},
	"fifth": {5, kindUnit}, "sixth": {6, kindUnit}, "seventh": {7, kindUnit}, "eighth": {8, kindUnit}, "ninth": {9, kindUnit},
	"ten": {10, kindTeen}, "eleven": {11, kindTeen}, "twelve": {12, kindTeen}, "thirteen": {13, kindTeen},
	"fourteen": {14, kindTeen}, "fifteen": {15, kindTeen}, "sixteen": {16, kindTeen}, "seventeen": {17, kindTeen},
	"eighteen": {18, kindTeen}, "nineteen": {19, kindTeen},
	"tenth": {10, kindTeen}, "eleventh": {11, kindTeen}, "twelfth": {12, kindTeen}, "thirteenth": {13, kindTeen},
	"fourteenth": {14, kindTeen}, "fifteenth": {15, kindTeen}, "sixteenth": {16, kindTeen}, "seventeenth": {17, kindTeen},
	"eighteenth": {18, kindTeen}, "nineteenth": {19, kindTeen},
	"twenty": {20, kindTens}, "thirty": {30, kindTens}, "forty": {40, kindTens}, "fifty": {50, kindTens},
	"sixty": {60, kindTens}, "seventy": {70, kindTens}, "eighty": {80, kindTens}, "ninety": {90, kindTens},
	"twentieth": {20, kindTeen}, "thirtieth": {30, kindTeen},
	"hundred": {100, kindHundred}, "thousand": {1000, kindThousand},
	"and": {0, kindJoin},

	// Spanish
	"cero": {0, kindUnit}, "uno": {1, kindUnit}, "una": {1, kindUnit}, "un": {1, kindUnit}, "primero": {1, kindUnit},
	"dos": {2, kindUnit}, "tres": {3, kindUnit}, "cuatro": {4, kindUnit}, "cinco": {5, kindUnit},
	"seis": {6, kindUnit}, "siete": {7, kindUnit}, "ocho": {8, kindUnit}, "nueve": {9, kindUnit},
	"diez": {10, kindTeen}, "once": {11, kindTeen}, "doce": {12, kindTeen}, "trece": {13, kindTeen},
	"catorce": {14, kindTeen}, "quince": {15, kindTeen}, "dieciseis": {16, kindTeen}, "diecisiete": {17, kindTeen},
	"dieciocho": {18, kindTeen}, "diecinueve": {19, kindTeen},
	"veintiuno": {21, kindTeen}, "veintiun": {21, kindTeen}, "veintidos": {22, kindTeen}, "veintitres": {23, kindTeen},
	"veinticuatro": {24, kindTeen}, "veinticinco": {25, kindTeen}, "veintiseis": {26, kindTeen},
	"veintisiete": {27, kindTeen}, "veintiocho": {28, kindTeen}, "veintinueve": {29, kindTeen},
	"veinte": {20, kindTens}, "treinta": {30, kindTens}, "cuarenta": {40, kindTens}, "cincuenta": {50, kindTens},
	"sesenta": {60, kindTens}, "setenta": {70, kindTens}, "ochenta": {80, kindTens}, "noventa": {90, kindTens},
	"cien": {100, kindHundreds}, "ciento": {100, kindHundreds}, "doscientos": {200, kindHundreds},
	"trescientos": {300, kindHundreds}, "cuatrocientos": {400, kindHundreds}, "quinientos": {500, kindHundreds},
	"seiscientos": {600, kindHundreds}, "setecientos": {700, kindHundreds}, "ochocientos": {800, kindHundreds},
	"novecientos": {900, kindHundreds}, "mil": {1000, kindThousand},
	"y": {0, kindJoin},
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

// fold lowercases, strips accents and turns everything but letters, digits and
// date separators into spaces.
func fold(text string) string {
	text = strings.ToLower(accentFolder.Replace(text))
	var b strings.Builder
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '/', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// numberGroups rewrites runs of number words into decimal tokens.
// "nine four one" -> ["9","4","1"], "nineteen eighty five" -> ["19","85"],
// "two thousand three" -> ["2003"]. Other tokens pass through untouched.
func numberGroups(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	var (
		total, current int
		last           wordKind
		open           bool
	)
	flush := func() {
		if open {
			out = append(out, strconv.Itoa(total+current))
		}
		total, current, last, open = 0, 0, 0, false
	}
	start := func(w numberWord) {
		flush()
		current, last, open = w.val, w.kind, true
	}

	for i, tok := range tokens {
		w, ok := numberWords[tok]
		if !ok {
			if isOrdinalOrDigits(tok) {
				flush()
				out = append(out, strings.TrimRight(tok, "stndrh"))
				continue
			}
			flush()
			out = append(out, tok)
			continue
		}
		switch w.kind {
		case kindJoin:
			// only joins inside a number, e.g. "treinta y uno", "one hundred and five"
			next := i+1 < len(tokens)
			if next {
				_, next = numberWords[tokens[i+1]]
			}
			if open && next {
				continue
			}
			flush()
			out = append(out, tok)
		case kindUnit:
			switch {
			case open && last == kindTens && current%10 == 0,
				open && (last == kindHundred || last == kindHundreds || last == kindThousand):
				current += w.val
				last = kindUnit
			default:
				start(w)
			}
		case kindTeen:
			if open && (last == kindHundred || last == kindHundreds || last == kindThousand) {
				current += w.val
				last = kindTeen
			} else {
				start(w)
			}
		case kindTens:
			if open && (last == kindHundred || last == kindHundreds || last == kindThousand) {
				current += w.val
				last = kindTens
			} else {
				start(w)
			}
		case kindHundred:
			if !open {
				start(numberWord{val: 100, kind: kindHundred})
				continue
			}
			if current == 0 {
				current = 1
			}
			current *= 100
			last = kindHundred
		case kindHundreds:
			if open && last == kindThousand {
				current += w.val
				last = kindHundreds
			} else {
				start(w)
			}
		case kindThousand:
			if !open {
				current, open = 1, true
			}
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
			last = kindThousand
		}
	}
	flush()
	return out
}

func isOrdinalOrDigits(tok string) bool {
	digits := strings.TrimRight(tok, "stndrh")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	suffix := tok[len(digits):]
	switch suffix {
	case "", "st", "nd", "rd", "th":
		return true
	}
	return false
}

// spokenDigits returns every digit in text after converting number words.
func spokenDigits(text string) string {
	tokens := strings.Fields(strings.NewReplacer("-", " ", "/", " ", ".", " ").Replace(fold(text)))
	var b strings.Builder
	for _, tok := range numberGroups(tokens) {
		for _, r := range tok {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
