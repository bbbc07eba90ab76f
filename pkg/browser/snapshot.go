package browser

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// SelectOptionsFromSnapshot parses a DOM snapshot and returns the option
// labels of the first <select> whose name or id equals name. The boolean is
// false when no such select exists.
func SelectOptionsFromSnapshot(rawHTML, name string) ([]string, bool, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse HTML: %w", err)
	}

	sel := findNode(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode || !strings.EqualFold(n.Data, "select") {
			return false
		}
		return attr(n, "name") == name || attr(n, "id") == name || attr(n, "data-name") == name
	})
	if sel == nil {
		return nil, false, nil
	}

	var labels []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "option") {
			labels = append(labels, collapseSpace(textOf(n)))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	return labels, true, nil
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
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

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
