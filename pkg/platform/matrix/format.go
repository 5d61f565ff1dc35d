// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// Message text crosses the platform boundary as markdown. Incoming HTML is
// flattened to markdown so replacements see the visible text, and outgoing
// markdown is rendered back to HTML for the formatted body.

type htmlRule struct {
	re   *regexp.Regexp
	repl string
	fn   func(match []string) string
}

// Order matters: code and reply fallbacks go first so later rules do not
// rewrite their content.
var htmlRules = []htmlRule{
	{re: regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)},
	{re: regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`), repl: "```\n$1\n```"},
	{re: regexp.MustCompile(`(?s)<code>(.*?)</code>`), repl: "`$1`"},
	{re: regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`), repl: "**$1**"},
	{re: regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`), repl: "_${1}_"},
	{re: regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), repl: "~~$1~~"},
	{re: regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`), repl: "[$2]($1)"},
	{re: regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`), fn: func(m []string) string {
		level, _ := strconv.Atoi(m[1])
		return strings.Repeat("#", level) + " " + m[2]
	}},
	{re: regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`), fn: func(m []string) string {
		lines := strings.Split(strings.TrimSpace(m[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	}},
	{re: regexp.MustCompile(`(?s)<ul>(.*?)</ul>`), fn: func(m []string) string { return listItems(m[1], false) }},
	{re: regexp.MustCompile(`(?s)<ol>(.*?)</ol>`), fn: func(m []string) string { return listItems(m[1], true) }},
	{re: regexp.MustCompile(`(?s)<p>(.*?)</p>`), repl: "$1\n\n"},
	{re: regexp.MustCompile(`<br\s*/?>`), repl: "\n"},
	{re: regexp.MustCompile(`<[^>]+>`)},
}

var liRe = regexp.MustCompile(`(?s)<li>(.*?)</li>`)

func listItems(inner string, ordered bool) string {
	items := liRe.FindAllStringSubmatch(inner, -1)
	out := make([]string, 0, len(items))
	for i, item := range items {
		marker := "-"
		if ordered {
			marker = strconv.Itoa(i+1) + "."
		}
		out = append(out, marker+" "+strings.TrimSpace(item[1]))
	}
	return strings.Join(out, "\n")
}

// contentToMarkdown returns the message text as markdown, preferring the HTML
// formatted body when there is one.
func contentToMarkdown(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body
	}
	text := content.FormattedBody
	for _, rule := range htmlRules {
		if rule.fn != nil {
			fn := rule.fn
			re := rule.re
			text = re.ReplaceAllStringFunc(text, func(match string) string {
				return fn(re.FindStringSubmatch(match))
			})
			continue
		}
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	return strings.TrimSpace(html.UnescapeString(text))
}

var (
	mdCodeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	mdCodeRe       = regexp.MustCompile("`([^`]+)`")
	mdBoldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe     = regexp.MustCompile(`(^|[^\w*])_([^_]+?)_($|[^\w*])`)
	mdStrikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	mdLinkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeadingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	mdBulletRe     = regexp.MustCompile(`^[-*]\s+(.+)$`)
	mdNumberedRe   = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	mdBlockquoteRe = regexp.MustCompile(`^>\s+(.+)$`)

	mdDetectRes = []*regexp.Regexp{
		mdCodeBlockRe, mdCodeRe, mdBoldRe, mdItalicRe, mdStrikeRe, mdLinkRe,
		regexp.MustCompile(`(?m)^(#{1,6})\s+\S`),
		regexp.MustCompile(`(?m)^[-*]\s+\S`),
		regexp.MustCompile(`(?m)^\d+\.\s+\S`),
		regexp.MustCompile(`(?m)^>\s+\S`),
	}
)

func hasMarkdown(text string) bool {
	for _, re := range mdDetectRes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// setMarkdownBody fills Body, and Format/FormattedBody when text contains
// markdown.
func setMarkdownBody(content *event.MessageEventContent, text string) {
	content.Body = text
	if text == "" || !hasMarkdown(text) {
		return
	}
	content.Format = event.FormatHTML
	content.FormattedBody = markdownToHTML(text)
}

func codeToken(i int) string {
	return "\x00code" + strconv.Itoa(i) + "\x00"
}

func markdownToHTML(text string) string {
	var blocks []string
	text = mdCodeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := mdCodeBlockRe.FindStringSubmatch(match)
		class := ""
		if parts[1] != "" {
			class = ` class="language-` + html.EscapeString(parts[1]) + `"`
		}
		blocks = append(blocks, "<pre><code"+class+">"+html.EscapeString(parts[2])+"</code></pre>")
		return codeToken(len(blocks) - 1)
	})

	out := renderInline(renderBlocks(strings.Split(text, "\n")))
	out = strings.ReplaceAll(out, "\n\n", "</p><p>")
	out = strings.ReplaceAll(out, "\n", "<br/>")
	if strings.Contains(out, "</p><p>") {
		out = "<p>" + out + "</p>"
	}
	// Code blocks go back in last so their newlines survive.
	for i, block := range blocks {
		out = strings.Replace(out, codeToken(i), block, 1)
	}
	return out
}

// renderBlocks handles line-level structure: headings, quotes and lists.
// Every line is HTML-escaped.
func renderBlocks(lines []string) string {
	var (
		out      []string
		listTag  string
		listBody strings.Builder
	)
	closeList := func() {
		if listTag == "" {
			return
		}
		out = append(out, "<"+listTag+">"+listBody.String()+"</"+listTag+">")
		listTag = ""
		listBody.Reset()
	}
	addItem := func(tag, item string) {
		if listTag != tag {
			closeList()
			listTag = tag
		}
		listBody.WriteString("<li>" + html.EscapeString(item) + "</li>")
	}
	for _, line := range lines {
		if m := mdBlockquoteRe.FindStringSubmatch(line); m != nil {
			closeList()
			out = append(out, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
		} else if m = mdHeadingRe.FindStringSubmatch(line); m != nil {
			closeList()
			level := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+level+">"+html.EscapeString(m[2])+"</h"+level+">")
		} else if m = mdBulletRe.FindStringSubmatch(line); m != nil {
			addItem("ul", m[1])
		} else if m = mdNumberedRe.FindStringSubmatch(line); m != nil {
			addItem("ol", m[1])
		} else {
			closeList()
			out = append(out, html.EscapeString(line))
		}
	}
	closeList()
	return strings.Join(out, "\n")
}

func renderInline(text string) string {
	text = mdCodeRe.ReplaceAllString(text, "<code>$1</code>")
	text = mdBoldRe.ReplaceAllString(text, "<strong>$1</strong>")
	text = mdItalicRe.ReplaceAllString(text, "$1<em>$2</em>$3")
	text = mdStrikeRe.ReplaceAllString(text, "<del>$1</del>")
	return mdLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := mdLinkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		if !safeHref(href) {
			return label
		}
		return `<a href="` + href + `">` + label + `</a>`
	})
}

func safeHref(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	for _, scheme := range []string{"http://", "https://", "mailto:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return false
}
