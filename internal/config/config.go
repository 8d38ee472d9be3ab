// Package config loads rule files.
//
// A rule file is a YAML list of rules:
//
//	- name: rewrite-title
//	  mitm: "*.example.com"
//	  filters:
//	    - domain-suffix: example.com
//	    - url-regex: ^https://www\.example\.com/
//	  actions:
//	    - log-req
//	    - modify-response:
//	        body:
//	          re: <title>.*</title>
//	          new: <title>rewritten</title>
//	    - modify-request:
//	        header:
//	          key: User-Agent
//	          value: goodmitm
//
// Each of mitm, filter and action accepts a single value or a list, and also
// has a plural (or mitm-list) spelling.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/josexy/goodmitm/rule"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s): %s", len(v.Problems), strings.Join(v.Problems, "; "))
}

func (v *ValidationError) orNil() error {
	if len(v.Problems) == 0 {
		return nil
	}
	return v
}

// LoadRules reads path, which is either a rule file or a directory whose
// regular files are all rule files, read in name order. Hidden files are
// skipped. Problems from every file are collected into one ValidationError
// and no rules are returned when there is any.
func LoadRules(path string) ([]*rule.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		files = files[:0]
		for _, entry := range entries {
			if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}

	var rules []*rule.Rule
	v := &ValidationError{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		parsed, err := ParseRules(data, file)
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			v.Problems = append(v.Problems, verr.Problems...)
		case err != nil:
			return nil, err
		}
		rules = append(rules, parsed...)
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	return rules, nil
}

// ParseRules decodes one rule file. source prefixes every problem.
func ParseRules(data []byte, source string) ([]*rule.Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("%s:%d: expected a list of rules", source, root.Line)}}
	}

	v := &ValidationError{}
	rules := make([]*rule.Rule, 0, len(root.Content))
	for i, item := range root.Content {
		r, err := decodeRule(item)
		if err != nil {
			v.Add("%s: rules[%d]: %v", source, i, err)
			continue
		}
		rules = append(rules, r)
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	return rules, nil
}
