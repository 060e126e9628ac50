// Package rewrite transforms HTML in a single streaming pass.
//
// Rules are registered as CSS selectors paired with a Handler. Every element
// start tag is matched against the rules in registration order while the
// document streams through; nothing but the chain of currently open elements
// is kept in memory.
package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ErrResourceLimit is returned when rewriting exceeds one of the configured Limits.
var ErrResourceLimit = errors.New("rewrite resource limit exceeded")

// Limits bounds the memory a single rewrite may use. Zero values mean unlimited.
type Limits struct {
	// MaxBuffer caps the tokenizer window, i.e. the size of a single token.
	MaxBuffer int
	// MaxOutput caps the number of bytes emitted.
	MaxOutput int64
}

// DefaultLimits is used by Default.
var DefaultLimits = Limits{
	MaxBuffer: 10 << 20,
}

// Handler observes a matched element. It must not retain el.
type Handler func(el *Element) error

// Stats counts what a rewrite pass changed.
type Stats struct {
	Removed   int
	Rewritten int
}

type rule struct {
	selector string
	sel      cascadia.Selector
	handler  Handler
}

// Rewriter holds an ordered list of rules. It is safe for concurrent use once
// all rules are registered.
type Rewriter struct {
	rules  []rule
	limits Limits
}

// New returns a Rewriter with no rules.
func New(limits Limits) *Rewriter {
	return &Rewriter{limits: limits}
}

// On registers h for every element matching selector.
func (rw *Rewriter) On(selector string, h Handler) error {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	rw.rules = append(rw.rules, rule{selector: selector, sel: sel, handler: h})
	return nil
}

// MustOn is like On but panics on an invalid selector.
func (rw *Rewriter) MustOn(selector string, h Handler) {
	if err := rw.On(selector, h); err != nil {
		panic(err)
	}
}

// Selectors lists the registered selectors in evaluation order.
func (rw *Rewriter) Selectors() []string {
	s := make([]string, len(rw.rules))
	for i, r := range rw.rules {
		s[i] = r.selector
	}
	return s
}

// Clone returns a copy of rw that can be extended without affecting rw.
func (rw *Rewriter) Clone() *Rewriter {
	rules := make([]rule, len(rw.rules))
	copy(rules, rw.rules)
	return &Rewriter{rules: rules, limits: rw.limits}
}

// RewriteString rewrites a whole document held in memory. On error no partial
// output is returned. Invalid UTF-8 in the result is replaced with U+FFFD.
func (rw *Rewriter) RewriteString(doc string) (string, Stats, error) {
	var buf bytes.Buffer
	stats, err := rw.Rewrite(&buf, strings.NewReader(doc))
	if err != nil {
		return "", stats, err
	}
	return strings.ToValidUTF8(buf.String(), "\uFFFD"), stats, nil
}

// Rewrite streams r to w, applying the registered rules. Output is the input
// bytes with removed subtrees cut out and edited attribute values spliced in;
// everything else is copied byte for byte.
func (rw *Rewriter) Rewrite(w io.Writer, r io.Reader) (Stats, error) {
	var stats Stats
	out := &limitWriter{w: w, max: rw.limits.MaxOutput}

	z := html.NewTokenizer(r)
	z.SetMaxBuf(rw.limits.MaxBuffer)

	var (
		open    *html.Node // innermost open element
		raw     []byte
		skipped []string // open elements of the subtree being removed
	)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			err := z.Err()
			switch {
			case err == io.EOF:
				return stats, nil
			case errors.Is(err, html.ErrBufferExceeded):
				return stats, fmt.Errorf("%w: %v", ErrResourceLimit, err)
			default:
				return stats, fmt.Errorf("tokenizing: %w", err)
			}
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			// Token lowercases the tag name in place, so keep the raw bytes first.
			raw = append(raw[:0], z.Raw()...)
			tok := z.Token()
			void := tt == html.SelfClosingTagToken || voidElements[tok.Data]

			if len(skipped) > 0 {
				for len(skipped) > 0 && impliesEnd(skipped[len(skipped)-1], tok.Data) {
					skipped = skipped[:len(skipped)-1]
				}
				if len(skipped) > 0 {
					if !void {
						skipped = append(skipped, tok.Data)
					}
					continue
				}
			}

			for open != nil && impliesEnd(open.Data, tok.Data) {
				open = open.Parent
			}
			node := &html.Node{
				Type:     html.ElementNode,
				Data:     tok.Data,
				DataAtom: tok.DataAtom,
				Attr:     tok.Attr,
				Parent:   open,
			}
			el := &Element{node: node, stats: &stats}
			if err := rw.apply(el); err != nil {
				return stats, err
			}

			if el.removed {
				stats.Removed++
				if !void {
					skipped = append(skipped[:0], node.Data)
				}
				continue
			}

			if len(el.edits) > 0 {
				raw = spliceAttrs(raw, el.edits)
			}
			if err := out.write(raw); err != nil {
				return stats, err
			}

			if !void {
				open = node
			}
		case html.EndTagToken:
			raw = append(raw[:0], z.Raw()...)
			b, _ := z.TagName()
			name := string(b)

			if len(skipped) > 0 {
				if i := lastIndex(skipped, name); i >= 0 {
					skipped = skipped[:i]
					continue
				}
				if ancestor(open, name) == nil {
					continue
				}
				// An open ancestor closes the removed element implicitly.
				skipped = skipped[:0]
			}

			if err := out.write(raw); err != nil {
				return stats, err
			}
			if n := ancestor(open, name); n != nil {
				open = n.Parent
			}
		default:
			if len(skipped) > 0 {
				continue
			}
			if err := out.write(z.Raw()); err != nil {
				return stats, err
			}
		}
	}
}

func ancestor(n *html.Node, name string) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Data == name {
			return n
		}
	}
	return nil
}

func lastIndex(s []string, v string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == v {
			return i
		}
	}
	return -1
}

func (rw *Rewriter) apply(el *Element) error {
	for _, r := range rw.rules {
		if el.removed {
			return nil
		}
		if !r.sel.Match(el.node) {
			continue
		}
		if err := r.handler(el); err != nil {
			return fmt.Errorf("rule %q on <%s>: %w", r.selector, el.node.Data, err)
		}
	}
	return nil
}

var voidElements = map[string]bool{
	"area":   true,
	"base":   true,
	"br":     true,
	"col":    true,
	"embed":  true,
	"hr":     true,
	"img":    true,
	"input":  true,
	"keygen": true,
	"link":   true,
	"meta":   true,
	"param":  true,
	"source": true,
	"track":  true,
	"wbr":    true,
}

// closesP lists start tags that end an open <p>.
var closesP = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"details": true, "div": true, "dl": true, "fieldset": true,
	"figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hgroup": true, "hr": true, "main": true, "menu": true,
	"nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "ul": true,
}

// impliesEnd reports whether a start tag named next ends an open element
// named open whose end tag was omitted.
func impliesEnd(open, next string) bool {
	switch open {
	case "p":
		return closesP[next]
	case "li":
		return next == "li"
	case "dt", "dd":
		return next == "dt" || next == "dd"
	case "option":
		return next == "option" || next == "optgroup"
	case "optgroup":
		return next == "optgroup"
	case "tr":
		return next == "tr"
	case "td", "th":
		return next == "td" || next == "th" || next == "tr"
	case "thead", "tbody", "tfoot":
		return next == "tbody" || next == "tfoot"
	}
	return false
}

type limitWriter struct {
	w   io.Writer
	max int64
	n   int64
}

func (lw *limitWriter) write(p []byte) error {
	if lw.max > 0 && lw.n+int64(len(p)) > lw.max {
		return fmt.Errorf("%w: output exceeds %d bytes", ErrResourceLimit, lw.max)
	}
	n, err := lw.w.Write(p)
	lw.n += int64(n)
	return err
}

