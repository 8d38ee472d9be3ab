package goodmitm

import (
	"fmt"
	"net"
	"path"
	"strings"
)

// hostTrie matches host names against patterns stored label by label from
// the right. A "*" label matches exactly one label.
type hostTrie struct {
	children map[string]*hostTrie
	isEnd    bool
}

func newHostTrie(patterns ...string) *hostTrie {
	root := &hostTrie{children: make(map[string]*hostTrie)}
	for _, p := range patterns {
		root.insert(p)
	}
	return root
}

func (node *hostTrie) insert(pattern string) {
	pattern = normalizeHost(pattern)
	if pattern == "" {
		return
	}
	labels := strings.Split(pattern, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		child := node.children[labels[i]]
		if child == nil {
			child = &hostTrie{children: make(map[string]*hostTrie)}
			node.children[labels[i]] = child
		}
		node = child
	}
	node.isEnd = true
}

func (node *hostTrie) match(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	labels := strings.Split(host, ".")
	return node.dfsMatch(labels, len(labels)-1)
}

func (node *hostTrie) dfsMatch(labels []string, index int) bool {
	if index < 0 {
		return node.isEnd
	}
	if child, ok := node.children[labels[index]]; ok && child.dfsMatch(labels, index-1) {
		return true
	}
	if wildcard, ok := node.children["*"]; ok && wildcard.dfsMatch(labels, index-1) {
		return true
	}
	return false
}

// normalizeHost lowercases host and strips a port and IPv6 brackets.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

type tunnelDecision int

const (
	tunnelRelay tunnelDecision = iota
	tunnelExclude
	tunnelIntercept
)

func (d tunnelDecision) String() string {
	switch d {
	case tunnelExclude:
		return "exclude"
	case tunnelIntercept:
		return "intercept"
	}
	return "relay"
}

// hostMatcher decides whether a tunnel is decrypted. Exclusions win over
// the MITM globs.
type hostMatcher struct {
	exclude *hostTrie
	globs   []string
}

func newHostMatcher(exclude, globs []string) (*hostMatcher, error) {
	m := &hostMatcher{exclude: newHostTrie(exclude...)}
	for _, g := range globs {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if _, err := path.Match(g, ""); err != nil {
			return nil, fmt.Errorf("mitm pattern %q: %w", g, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *hostMatcher) decide(host string) tunnelDecision {
	host = normalizeHost(host)
	if m.exclude.match(host) {
		return tunnelExclude
	}
	for _, g := range m.globs {
		if ok, _ := path.Match(g, host); ok {
			return tunnelIntercept
		}
	}
	return tunnelRelay
}
