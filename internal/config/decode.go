package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/josexy/goodmitm/rule"
)

func nodeError(n *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", n.Line, fmt.Sprintf(format, args...))
}

// singleOrMulti calls fn for n itself, or for each element when n is a list.
func singleOrMulti(n *yaml.Node, fn func(*yaml.Node) error) error {
	if n.Kind != yaml.SequenceNode {
		return fn(n)
	}
	for _, item := range n.Content {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// singleKey returns the only key and value of a one-entry mapping.
func singleKey(n *yaml.Node) (string, *yaml.Node, error) {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return "", nil, nodeError(n, "expected a mapping with exactly one key")
	}
	return n.Content[0].Value, n.Content[1], nil
}

func scalar(n *yaml.Node, what string) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", nodeError(n, "%s must be a string", what)
	}
	return n.Value, nil
}

func decodeRule(n *yaml.Node) (*rule.Rule, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeError(n, "rule must be a mapping")
	}
	r := &rule.Rule{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		var err error
		switch key.Value {
		case "name":
			r.Name, err = scalar(val, "name")
		case "mitm", "mitm-list", "mitm_list":
			err = singleOrMulti(val, func(item *yaml.Node) error {
				pattern, err := scalar(item, "mitm pattern")
				if err == nil {
					r.MITMList = append(r.MITMList, pattern)
				}
				return err
			})
		case "filter", "filters":
			err = singleOrMulti(val, func(item *yaml.Node) error {
				f, err := decodeFilter(item)
				if err == nil {
					r.Filters = append(r.Filters, f)
				}
				return err
			})
		case "action", "actions":
			err = singleOrMulti(val, func(item *yaml.Node) error {
				a, err := decodeAction(item)
				if err == nil {
					r.Actions = append(r.Actions, a)
				}
				return err
			})
		default:
			err = nodeError(key, "unknown field %q", key.Value)
		}
		if err != nil {
			return nil, err
		}
	}

	switch {
	case r.Name == "":
		return nil, nodeError(n, "name is required")
	case len(r.Filters) == 0:
		return nil, nodeError(n, "rule %q: at least one filter is required", r.Name)
	case len(r.Actions) == 0:
		return nil, nodeError(n, "rule %q: at least one action is required", r.Name)
	}
	return r, nil
}

func decodeFilter(n *yaml.Node) (rule.Filter, error) {
	if n.Kind == yaml.ScalarNode {
		if n.Value == "all" {
			return rule.All(), nil
		}
		return rule.Filter{}, nodeError(n, "unknown filter %q", n.Value)
	}
	kind, val, err := singleKey(n)
	if err != nil {
		return rule.Filter{}, err
	}
	value, err := scalar(val, kind)
	if err != nil {
		return rule.Filter{}, err
	}
	switch kind {
	case "domain":
		return rule.Domain(value), nil
	case "domain-keyword":
		return rule.DomainKeyword(value), nil
	case "domain-prefix":
		return rule.DomainPrefix(value), nil
	case "domain-suffix":
		return rule.DomainSuffix(value), nil
	case "url-regex":
		return rule.URLRegex(value), nil
	}
	return rule.Filter{}, nodeError(n, "unknown filter %q", kind)
}

func decodeAction(n *yaml.Node) (rule.Action, error) {
	if n.Kind == yaml.ScalarNode {
		switch n.Value {
		case "reject":
			return rule.Reject(), nil
		case "log-req":
			return rule.LogReq(), nil
		case "log-res":
			return rule.LogRes(), nil
		}
		return rule.Action{}, nodeError(n, "unknown action %q", n.Value)
	}
	kind, val, err := singleKey(n)
	if err != nil {
		return rule.Action{}, err
	}
	switch kind {
	case "redirect":
		target, err := scalar(val, kind)
		return rule.Redirect(target), err
	case "js":
		code, err := scalar(val, kind)
		return rule.Script(code), err
	case "modify-request":
		m, err := decodeModify(val)
		return rule.ModifyRequest(m), err
	case "modify-response":
		m, err := decodeModify(val)
		return rule.ModifyResponse(m), err
	}
	return rule.Action{}, nodeError(n, "unknown action %q", kind)
}

func decodeModify(n *yaml.Node) (*rule.Modify, error) {
	kind, val, err := singleKey(n)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "url", "body":
		text, err := decodeText(val)
		if err != nil {
			return nil, err
		}
		if kind == "url" {
			return rule.ModifyURLText(text), nil
		}
		return rule.ModifyBodyText(text), nil
	case "header", "cookie":
		m, err := decodeMapModify(val)
		if err != nil {
			return nil, err
		}
		m.Kind = rule.ModifyHeader
		if kind == "cookie" {
			m.Kind = rule.ModifyCookie
		}
		return m, nil
	}
	return nil, nodeError(n, "unknown modification %q", kind)
}

func decodeMapModify(n *yaml.Node) (*rule.Modify, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeError(n, "expected key, value and remove fields")
	}
	m := &rule.Modify{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		var err error
		switch key.Value {
		case "key":
			m.Key, err = scalar(val, "key")
		case "value":
			m.Value, err = decodeText(val)
		case "remove":
			err = val.Decode(&m.Remove)
		default:
			err = nodeError(key, "unknown field %q", key.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	if m.Key == "" {
		return nil, nodeError(n, "key is required")
	}
	return m, nil
}

// decodeText accepts a plain string, which sets the value, or a mapping with
// new and at most one of origin and re.
func decodeText(n *yaml.Node) (*rule.TextModify, error) {
	if n.Kind == yaml.ScalarNode {
		return rule.Set(n.Value), nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, nodeError(n, "text modification must be a string or a mapping")
	}
	var origin, re, value string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		var err error
		switch key.Value {
		case "origin":
			origin, err = scalar(val, "origin")
		case "re":
			re, err = scalar(val, "re")
		case "new":
			value, err = scalar(val, "new")
		default:
			err = nodeError(key, "unknown field %q", key.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	switch {
	case origin != "" && re != "":
		return nil, nodeError(n, "origin and re are mutually exclusive")
	case re != "":
		return rule.RegexReplace(re, value), nil
	default:
		return rule.Replace(origin, value), nil
	}
}
