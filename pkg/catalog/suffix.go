package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxPos is the largest log position a filename may declare.
const MaxPos = int64(1) << 62

const (
	powerDigits = 2
	baseDigits  = 10
	maxPower    = 18
)

// Kind is the broad class of a replica file.
type Kind int

const (
	KindBinlog Kind = iota
	KindSnapshot
	KindEncryption
)

func (k Kind) String() string {
	switch k {
	case KindBinlog:
		return "binlog"
	case KindSnapshot:
		return "snapshot"
	case KindEncryption:
		return "encryption"
	default:
		return "unknown"
	}
}

var ErrBadSuffix = errors.New("catalog: unrecognized file suffix")

// Suffix is what the filename grammar says about a file.
type Suffix struct {
	MinPos   int64
	MaxPos   int64
	HasRange bool
	Kind     Kind
	Flags    Flags
}

var kindSuffixes = map[string]struct {
	kind  Kind
	flags Flags
}{
	".bin":             {KindBinlog, 0},
	".bin.bz":          {KindBinlog, FlagZipped},
	".bin.bz.tmp":      {KindBinlog, FlagZipped | FlagTemporary},
	".bin.bz.tmp.repl": {KindBinlog, FlagZipped | FlagTemporary | FlagReplicatorTemp},
	".diff":            {KindSnapshot, FlagSnapshot | FlagSnapshotDiff},
	".diff.tmp":        {KindSnapshot, FlagSnapshot | FlagSnapshotDiff | FlagTemporary},
	".enc":             {KindEncryption, 0},
	".tmp":             {KindSnapshot, FlagSnapshot | FlagTemporary},
	".sz":              {KindSnapshot, FlagSnapshot | FlagZipped},
	".sz.tmp":          {KindSnapshot, FlagSnapshot | FlagZipped | FlagTemporary},
}

var pow10 = func() [maxPower + 1]int64 {
	var p [maxPower + 1]int64
	p[0] = 1
	for i := 1; i <= maxPower; i++ {
		p[i] = p[i-1] * 10
	}
	return p
}()

// DeclaredRange returns [base*10^power, base*10^power + 10^power - 1], the
// upper end clamped to MaxPos. Only the start has to be a valid position.
func DeclaredRange(base int64, power int) (int64, int64, error) {
	if power < 0 || power > maxPower {
		return 0, 0, fmt.Errorf("%w: power %d out of [0,%d]", ErrBadSuffix, power, maxPower)
	}
	scale := pow10[power]
	if base < 0 || base > MaxPos/scale {
		return 0, 0, fmt.Errorf("%w: base %d with power %d starts past 2^62", ErrBadSuffix, base, power)
	}
	lo := base * scale
	// lo <= 2^62 and scale <= 10^18, so the sum cannot overflow
	hi := lo + scale - 1
	if hi > MaxPos {
		hi = MaxPos
	}
	return lo, hi, nil
}

// EncodeSuffix renders the position part of a filename, including the dot.
func EncodeSuffix(base int64, power int) (string, error) {
	if _, _, err := DeclaredRange(base, power); err != nil {
		return "", err
	}
	if base >= pow10[baseDigits] {
		return "", fmt.Errorf("%w: base %d needs more than %d digits", ErrBadSuffix, base, baseDigits)
	}
	return fmt.Sprintf(".%0*d%0*d", powerDigits, power, baseDigits, base), nil
}

// SuffixFor picks the encoding whose declared range contains pos, using
// the requested power unless the base would not fit its digits.
func SuffixFor(pos int64, power int) (string, error) {
	if power < 0 {
		power = 0
	}
	for p := power; p <= maxPower; p++ {
		if base := pos / pow10[p]; base < pow10[baseDigits] {
			return EncodeSuffix(base, p)
		}
	}
	return "", fmt.Errorf("%w: position %d not encodable", ErrBadSuffix, pos)
}

// ParseSuffix classifies the part of a filename after the replica prefix.
func ParseSuffix(rest string) (Suffix, error) {
	if rest == "" {
		return Suffix{MinPos: 0, MaxPos: MaxPos, Kind: KindSnapshot, Flags: FlagSnapshot}, nil
	}

	s := Suffix{MinPos: 0, MaxPos: MaxPos}
	if len(rest) > 1 && rest[0] == '.' && isDigit(rest[1]) {
		digits := rest[1:]
		if i := strings.IndexByte(digits, '.'); i >= 0 {
			digits = digits[:i]
		}
		if len(digits) != powerDigits+baseDigits || !allDigits(digits) {
			return Suffix{}, fmt.Errorf("%w: malformed position %q", ErrBadSuffix, digits)
		}
		power, _ := strconv.Atoi(digits[:powerDigits])
		base, _ := strconv.ParseInt(digits[powerDigits:], 10, 64)
		lo, hi, err := DeclaredRange(base, power)
		if err != nil {
			return Suffix{}, err
		}
		s.MinPos, s.MaxPos, s.HasRange = lo, hi, true
		rest = rest[1+len(digits):]
	}

	if rest == "" {
		if !s.HasRange {
			return Suffix{}, fmt.Errorf("%w: empty", ErrBadSuffix)
		}
		s.Kind, s.Flags = KindSnapshot, FlagSnapshot
		return s, nil
	}
	k, ok := kindSuffixes[rest]
	if !ok {
		return Suffix{}, fmt.Errorf("%w: %q", ErrBadSuffix, rest)
	}
	s.Kind, s.Flags = k.kind, k.flags
	return s, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
