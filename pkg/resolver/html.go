package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/entrhq/charsnap/pkg/logging"
)

// DefaultCardClasses select the avatar cards on the subject index page.
var DefaultCardClasses = []string{"avatar-card", "hover-shadow", "rar-5"}

var trailingDigits = regexp.MustCompile(`(\d+)\D*$`)

// HTMLOptions configures an HTMLResolver.
type HTMLOptions struct {
	// URL of the index page listing every subject as a card.
	URL string

	// CardClasses must all be present on a card's class attribute.
	CardClasses []string

	// NameParagraph is the zero-based index of the <p> holding the name.
	NameParagraph int

	Client *http.Client
	Logger *logging.Logger
}

// HTMLResolver scans the avatar cards of an index page. The identifier is
// the last run of digits in the card's link.
type HTMLResolver struct {
	opts   HTMLOptions
	client *http.Client
	log    *logging.Logger
}

// NewHTMLResolver creates a resolver for the given index page.
func NewHTMLResolver(opts HTMLOptions) (*HTMLResolver, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("resolver: index URL is required")
	}
	if len(opts.CardClasses) == 0 {
		opts.CardClasses = DefaultCardClasses
	}
	if opts.NameParagraph < 0 {
		return nil, fmt.Errorf("resolver: name paragraph index must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("resolver")
	}
	return &HTMLResolver{opts: opts, client: defaultClient(opts.Client), log: opts.Logger}, nil
}

type card struct {
	name string
	href string
}

// Resolve implements Resolver. An exact name match wins over a card whose
// name merely contains the request.
func (r *HTMLResolver) Resolve(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty name", ErrNotFound)
	}
	body, err := fetch(ctx, r.client, r.opts.URL)
	if err != nil {
		r.log.Warnf("fetch %s: %v", r.opts.URL, err)
		return "", err
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrNotFound, r.opts.URL, err)
	}

	cards := r.collectCards(doc)
	r.log.Debugf("found %d cards on %s", len(cards), r.opts.URL)

	var partial *card
	for i := range cards {
		c := &cards[i]
		if c.name == name {
			return r.identifier(c)
		}
		if partial == nil && strings.Contains(c.name, name) {
			partial = c
		}
	}
	if partial != nil {
		return r.identifier(partial)
	}
	return "", fmt.Errorf("%w: %q not among %d cards", ErrNotFound, name, len(cards))
}

func (r *HTMLResolver) identifier(c *card) (string, error) {
	m := trailingDigits.FindStringSubmatch(c.href)
	if m == nil {
		return "", fmt.Errorf("%w: card %q links to %q without an id", ErrNotFound, c.name, c.href)
	}
	return m[1], nil
}

// collectCards walks the tree and returns every matching card in document order.
func (r *HTMLResolver) collectCards(n *html.Node) []card {
	var cards []card
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClasses(n, r.opts.CardClasses) {
			paragraphs := findAll(n, "p")
			link := findFirst(n, "a")
			if len(paragraphs) > r.opts.NameParagraph && link != nil {
				cards = append(cards, card{
					name: strings.TrimSpace(textContent(paragraphs[r.opts.NameParagraph])),
					href: attr(link, "href"),
				})
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return cards
}

func hasClasses(n *html.Node, want []string) bool {
	have := strings.Fields(attr(n, "class"))
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			out = append(out, c)
		}
		out = append(out, findAll(c, tag)...)
	}
	return out
}

func findFirst(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
