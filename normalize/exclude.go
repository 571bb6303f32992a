package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Exclusions is a compiled set of exclusion expressions. The dialect is a
// practical XPath subset:
//
//	//div[@class='ads']   descendant anywhere with attribute predicate
//	//span[@id='clock']   by id
//	/html/body/div[2]     absolute path with positional predicate
//	footer                bare tag, matches anywhere
//
// Subtrees matched by any expression are dropped before segmentation.
type Exclusions struct {
	exprs []exclusionExpr
}

type exclusionExpr struct {
	raw      string
	absolute bool
	steps    []exclusionStep
}

type exclusionStep struct {
	tag       string
	attrName  string
	attrValue string
	position  int // 1-based, 0 = unset
}

// CompileExclusions parses exclusion expressions. Invalid expressions are
// rejected up front so a typo surfaces at configuration time, not as a
// silently ineffective rule.
func CompileExclusions(exprs []string) (*Exclusions, error) {
	e := &Exclusions{}
	for _, raw := range exprs {
		expr, err := parseExpr(raw)
		if err != nil {
			return nil, fmt.Errorf("exclusion %q: %w", raw, err)
		}
		e.exprs = append(e.exprs, expr)
	}
	return e, nil
}

// Evaluate collects every node matched by any expression. Matching a node
// excludes its whole subtree.
func (e *Exclusions) Evaluate(root *html.Node) map[*html.Node]bool {
	if e == nil || len(e.exprs) == 0 {
		return nil
	}
	excluded := make(map[*html.Node]bool)
	for _, expr := range e.exprs {
		for _, n := range expr.evaluate(root) {
			excluded[n] = true
		}
	}
	return excluded
}

func parseExpr(raw string) (exclusionExpr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return exclusionExpr{}, fmt.Errorf("empty expression")
	}

	expr := exclusionExpr{raw: raw}
	switch {
	case strings.HasPrefix(s, "//"):
		s = s[2:]
	case strings.HasPrefix(s, "/"):
		expr.absolute = true
		s = s[1:]
	}

	for _, part := range strings.Split(s, "/") {
		if part == "" {
			return exclusionExpr{}, fmt.Errorf("empty step")
		}
		step, err := parseStep(part)
		if err != nil {
			return exclusionExpr{}, err
		}
		expr.steps = append(expr.steps, step)
	}
	return expr, nil
}

// parseStep parses "div", "div[@class='x']", "div[2]".
func parseStep(s string) (exclusionStep, error) {
	idx := strings.IndexByte(s, '[')
	if idx < 0 {
		return exclusionStep{tag: s}, nil
	}
	if !strings.HasSuffix(s, "]") {
		return exclusionStep{}, fmt.Errorf("unterminated predicate in %q", s)
	}

	step := exclusionStep{tag: s[:idx]}
	pred := s[idx+1 : len(s)-1]

	if n, err := strconv.Atoi(pred); err == nil {
		if n < 1 {
			return exclusionStep{}, fmt.Errorf("position must be >= 1 in %q", s)
		}
		step.position = n
		return step, nil
	}

	if strings.HasPrefix(pred, "@") {
		attr := pred[1:]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			step.attrName = attr[:eq]
			step.attrValue = strings.Trim(attr[eq+1:], `'"`)
		} else {
			step.attrName = attr
		}
		if step.attrName == "" {
			return exclusionStep{}, fmt.Errorf("empty attribute name in %q", s)
		}
		return step, nil
	}

	return exclusionStep{}, fmt.Errorf("unsupported predicate %q", pred)
}

func (e exclusionExpr) evaluate(root *html.Node) []*html.Node {
	if e.absolute {
		return followPath(root, e.steps)
	}

	// Descendant search for the first step, then child steps below each hit.
	var matches []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if matchesStep(n, e.steps[0]) {
			if len(e.steps) == 1 {
				matches = append(matches, n)
			} else {
				matches = append(matches, followPath(n, e.steps[1:])...)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return matches
}

// followPath walks child steps from a set of roots.
func followPath(from *html.Node, steps []exclusionStep) []*html.Node {
	current := []*html.Node{from}
	for _, step := range steps {
		var next []*html.Node
		for _, parent := range current {
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				if matchesStep(c, step) {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return current
}

func matchesStep(n *html.Node, step exclusionStep) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if step.tag != "*" && n.Data != step.tag {
		return false
	}

	if step.attrName != "" {
		for _, attr := range n.Attr {
			if attr.Key != step.attrName {
				continue
			}
			if step.attrValue == "" {
				return true
			}
			// Class predicates match a whitespace-separated token, not the
			// full attribute value.
			if step.attrName == "class" {
				for _, tok := range strings.Fields(attr.Val) {
					if tok == step.attrValue {
						return true
					}
				}
				return false
			}
			return attr.Val == step.attrValue
		}
		return false
	}

	if step.position > 0 {
		pos := 0
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				pos++
				if s == n {
					return pos == step.position
				}
			}
		}
		return false
	}

	return true
}

// RulesHash fingerprints a rule set. Rule order does not affect which
// subtrees are dropped, so the hash is order-insensitive. An empty set
// hashes to "".
func RulesHash(rules []string) string {
	if len(rules) == 0 {
		return ""
	}
	sorted := make([]string, len(rules))
	for i, r := range rules {
		sorted[i] = strings.TrimSpace(r)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, r := range sorted {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
