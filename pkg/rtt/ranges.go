package rtt

import (
	"fmt"
	"strconv"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// RangeLexer tokenizes range lists such as
// "0x20000000..0x20005000, 0x10000000+0x400".
var RangeLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Number", Pattern: `0[xX][0-9a-fA-F_]+|[0-9][0-9_]*`},
	{Name: "Range", Pattern: `\.\.`},
	{Name: "Plus", Pattern: `\+`},
	{Name: "Comma", Pattern: `,`},
})

// rangeList is the grammar root.
type rangeList struct {
	Items []*rangeItem `@@ ( "," @@ )*`
}

// rangeItem is either start..end or start+length.
type rangeItem struct {
	Start  string  `@Number`
	End    *string `( ".." @Number`
	Length *string `| "+" @Number )`
}

var rangeParser = participle.MustBuild[rangeList](
	participle.Lexer(RangeLexer),
	participle.Elide("Whitespace"),
)

// ParseRanges parses a comma separated list of address ranges. Each entry is
// either start..end (end exclusive) or start+length; numbers are decimal or
// 0x-prefixed hexadecimal.
func ParseRanges(input string) ([]Range, error) {
	list, err := rangeParser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	out := make([]Range, 0, len(list.Items))
	for _, item := range list.Items {
		start, err := parseNumber(item.Start)
		if err != nil {
			return nil, err
		}
		var end uint64
		if item.End != nil {
			if end, err = parseNumber(*item.End); err != nil {
				return nil, err
			}
		} else {
			length, err := parseNumber(*item.Length)
			if err != nil {
				return nil, err
			}
			end = start + length
			if end < start {
				return nil, fmt.Errorf("range 0x%X+0x%X overflows", start, length)
			}
		}
		if end <= start {
			return nil, fmt.Errorf("empty range 0x%X..0x%X", start, end)
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out, nil
}

func parseNumber(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return v, nil
}
