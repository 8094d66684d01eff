// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to the HTML subset accepted by the
// Telegram Bot API.
package matrixfmt

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"maunium.net/go/mautrix/event"
)

// allowedTags is the fixed set of elements that survive sanitization.
var allowedTags = map[atom.Atom]bool{
	atom.B:      true,
	atom.Strong: true,
	atom.I:      true,
	atom.Em:     true,
	atom.A:      true,
	atom.Pre:    true,
}

// droppedTags are removed together with their content.
var droppedTags = map[string]bool{
	"mx-reply": true,
	"script":   true,
	"style":    true,
	"title":    true,
}

var fragmentContext = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}

// Parse returns the Telegram representation of a Matrix message and whether
// it must be sent with the HTML parse mode.
func Parse(content *event.MessageEventContent) (text string, isHTML bool) {
	if content == nil {
		return "", false
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body, false
	}
	return Sanitize(content.FormattedBody), true
}

// Sanitize reduces a Matrix HTML body to Telegram's formatting subset. Line
// breaks become newlines, blockquotes become "> " prefixed lines and every
// element outside the allow-list is unwrapped, keeping its text. The result
// is stable: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(body string) string {
	nodes, err := html.ParseFragment(strings.NewReader(body), fragmentContext)
	if err != nil {
		return html.EscapeString(body)
	}
	var sb strings.Builder
	for _, node := range nodes {
		writeNode(&sb, node)
	}
	return sb.String()
}

func writeNode(sb *strings.Builder, node *html.Node) {
	switch node.Type {
	case html.TextNode:
		sb.WriteString(escapeText(node.Data))
	case html.ElementNode:
		writeElement(sb, node)
	case html.DocumentNode:
		writeChildren(sb, node)
	}
}

func writeChildren(sb *strings.Builder, node *html.Node) {
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		writeNode(sb, child)
	}
}

func writeElement(sb *strings.Builder, node *html.Node) {
	if droppedTags[node.Data] {
		return
	}
	switch {
	case node.DataAtom == atom.Br:
		sb.WriteByte('\n')
	case node.DataAtom == atom.Blockquote:
		sb.WriteString(escapeText(quote(textContent(node))))
	case allowedTags[node.DataAtom]:
		sb.WriteByte('<')
		sb.WriteString(node.Data)
		if node.DataAtom == atom.A {
			if href, ok := attr(node, "href"); ok {
				sb.WriteString(` href="`)
				sb.WriteString(html.EscapeString(href))
				sb.WriteByte('"')
			}
		}
		sb.WriteByte('>')
		var inner strings.Builder
		writeChildren(&inner, node)
		// The parser swallows one newline right after <pre>, so a body that
		// starts with one needs another in front of it.
		if node.DataAtom == atom.Pre && strings.HasPrefix(inner.String(), "\n") {
			sb.WriteByte('\n')
		}
		sb.WriteString(inner.String())
		sb.WriteString("</")
		sb.WriteString(node.Data)
		sb.WriteByte('>')
	default:
		writeChildren(sb, node)
	}
}

// escapeText escapes text for Telegram HTML. Carriage returns are written as
// character references because the parser folds a literal "\r" into "\n".
func escapeText(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\r", "&#13;")
}

// quote prefixes every line of text with "> ", starting on a new line.
func quote(text string) string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return ""
	}
	return "\n> " + strings.ReplaceAll(text, "\n", "\n> ")
}

func textContent(node *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			sb.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			sb.WriteByte('\n')
		case n.Type == html.ElementNode && droppedTags[n.Data]:
		default:
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
		}
	}
	walk(node)
	return sb.String()
}

func attr(node *html.Node, key string) (string, bool) {
	for _, a := range node.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
