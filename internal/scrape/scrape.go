// Package scrape extracts login artefacts from WaniKani's HTML pages.
package scrape

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/net/html"

	"github.com/and161185/wanikani-keeper/internal/errs"
)

// Parser finds the values the cookie login needs in a page body.
type Parser interface {
	// CSRFToken returns the content of meta[name=csrf-token].
	CSRFToken(page []byte) (string, error)
	// EmailAddress returns the value of the account e-mail input.
	EmailAddress(page []byte) (string, error)
	// AccessToken returns the token listed under the description label.
	AccessToken(page []byte, label string) (string, error)
}

var (
	selCSRF  = cascadia.MustCompile(`meta[name="csrf-token"]`)
	selEmail = cascadia.MustCompile(`input#user_email`)
	selDesc  = cascadia.MustCompile(`td.personal-access-token-description`)
)

// HTMLParser implements Parser with a real HTML tree and CSS selectors.
type HTMLParser struct{}

var _ Parser = HTMLParser{}

// CSRFToken implements Parser.
func (HTMLParser) CSRFToken(page []byte) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	for _, n := range cascadia.QueryAll(doc, selCSRF) {
		if v := attr(n, "content"); v != "" {
			return v, nil
		}
	}
	return "", errs.ErrCsrfTokenNotFound
}

// EmailAddress implements Parser.
func (HTMLParser) EmailAddress(page []byte) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	n := cascadia.Query(doc, selEmail)
	if n == nil {
		return "", errs.ErrEmailNotFound
	}
	v := strings.TrimSpace(attr(n, "value"))
	if v == "" {
		return "", errs.ErrEmailNotFound
	}
	return v, nil
}

// AccessToken implements Parser. The token is the text of the cell following
// the first description cell whose text equals label, and must be a UUID.
func (HTMLParser) AccessToken(page []byte, label string) (string, error) {
	doc, err := parse(page)
	if err != nil {
		return "", err
	}
	for _, n := range cascadia.QueryAll(doc, selDesc) {
		if strings.TrimSpace(text(n)) != label {
			continue
		}
		cell := nextElement(n)
		if cell == nil {
			break
		}
		tok := strings.TrimSpace(text(cell))
		if _, err := uuid.FromString(tok); err != nil {
			break
		}
		return tok, nil
	}
	return "", errs.ErrAccessTokenNotFound
}

func parse(page []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func nextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode {
			return s
		}
	}
	return nil
}
