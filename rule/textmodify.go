package rule

import (
	"errors"
	"regexp"
	"strings"
)

type TextMode uint8

const (
	// TextSet replaces the value wholesale.
	TextSet TextMode = iota
	// TextReplace replaces every occurrence of Origin with New, or the whole
	// value when Origin is empty.
	TextReplace
	// TextRegex replaces every match of Re with New, which may reference
	// capture groups as $1 or ${name}.
	TextRegex
)

type TextModify struct {
	Mode   TextMode
	Origin string
	Re     string
	New    string

	re *regexp.Regexp
}

func Set(value string) *TextModify { return &TextModify{Mode: TextSet, New: value} }

func Replace(origin, value string) *TextModify {
	return &TextModify{Mode: TextReplace, Origin: origin, New: value}
}

func RegexReplace(pattern, value string) *TextModify {
	return &TextModify{Mode: TextRegex, Re: pattern, New: value}
}

func (t *TextModify) init(rc *RegexCache) error {
	if t.Mode != TextRegex {
		return nil
	}
	if t.Re == "" {
		return errors.New("regex text modification: empty pattern")
	}
	re, err := rc.Get(t.Re)
	if err != nil {
		return err
	}
	t.re = re
	return nil
}

func (t *TextModify) Apply(text string) string {
	switch t.Mode {
	case TextReplace:
		if t.Origin == "" {
			return t.New
		}
		return strings.ReplaceAll(text, t.Origin, t.New)
	case TextRegex:
		re := t.re
		if re == nil {
			var err error
			if re, err = regexp.Compile(t.Re); err != nil {
				return text
			}
		}
		return re.ReplaceAllString(text, t.New)
	default:
		return t.New
	}
}
