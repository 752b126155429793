package moderation

import (
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

const contractionStems = `i|you|we|they|he|she|it|that|there|what|don|can|won|isn|aren|didn|doesn|wasn|couldn|wouldn|shouldn|let`

const (
	letterFormatMarker = `data-letter-format="1"`
	letterContainer    = `<div class="letter-body" role="article" aria-label="Letter" ` + letterFormatMarker + `>`
	canonicalOpener    = "Dear stranger,"
)

var (
	blockCommentPattern   = regexp.MustCompile(`(?s)<!--.*?-->`)
	legacyEditorPattern   = regexp.MustCompile(`<!--\s*/?wp:`)
	smartQuotePattern     = regexp.MustCompile(`[\p{L}][‘’“”]|[‘’“”][\p{L}]`)
	greetingTypoPattern   = regexp.MustCompile(`(?i)\bdear strange\b`)
	contractionPattern    = regexp.MustCompile(`(?i)\b(` + contractionStems + `) ?' ?(m|re|s|t|ll|ve|d)\b`)
	spacedContraction     = regexp.MustCompile(`(?i)\b(` + contractionStems + `)(?: '|' | ' )(m|re|s|t|ll|ve|d)\b`)
	spaceBeforePunct      = regexp.MustCompile(`\s+([,.!?;:])`)
	missingSpaceAfterPunc = regexp.MustCompile(`([,;!?])([\p{L}])`)
	whitespacePattern     = regexp.MustCompile(`[ \t\x{00a0}]+`)
	paragraphSplit        = regexp.MustCompile(`\n+`)
	greetingPattern       = regexp.MustCompile(`(?i)^(dear|hi|hello|hey|to)\b`)
	repeatedGreeting      = regexp.MustCompile(`(?i)^(dear stranger,?\s*){2,}`)
	bareGreeting          = regexp.MustCompile(`(?i)^dear stranger,?$`)
)

var commonMisspellings = map[string]string{
	"teh":        "the",
	"recieve":    "receive",
	"beleive":    "believe",
	"alot":       "a lot",
	"definately": "definitely",
	"freind":     "friend",
	"untill":     "until",
	"wich":       "which",
	"thier":      "their",
	"becuase":    "because",
	"tommorow":   "tomorrow",
	"seperate":   "separate",
}

var misspellingPattern = func() *regexp.Regexp {
	words := make([]string, 0, len(commonMisspellings))
	for word := range commonMisspellings {
		words = append(words, word)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}()

type NormalizeResult struct {
	Content     string `json:"content"`
	Changed     bool   `json:"changed"`
	OpenerAdded bool   `json:"opener_added"`
}

// Normalize rewrites a letter into the accessible paragraph markup. Output that already
// carries the format marker and needs no repair is returned unchanged.
func Normalize(content, title string) NormalizeResult {
	if strings.Contains(content, letterFormatMarker) && !needsRefresh(content) {
		return NormalizeResult{Content: content}
	}

	text := blockCommentPattern.ReplaceAllString(content, "")
	text = PlainText(text)
	text = norm.NFC.String(text)
	text = strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`, "\r\n", "\n", "\r", "\n").Replace(text)

	paragraphs := make([]string, 0)
	for _, raw := range paragraphSplit.Split(text, -1) {
		p := cleanParagraph(raw)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) > 0 && strings.TrimSpace(title) != "" && strings.EqualFold(paragraphs[0], strings.TrimSpace(title)) {
		paragraphs = paragraphs[1:]
	}
	if len(paragraphs) > 0 {
		paragraphs[0] = repeatedGreeting.ReplaceAllString(paragraphs[0], canonicalOpener+" ")
		paragraphs[0] = strings.TrimSpace(paragraphs[0])
	}
	for len(paragraphs) > 1 && bareGreeting.MatchString(paragraphs[0]) && bareGreeting.MatchString(paragraphs[1]) {
		paragraphs = paragraphs[1:]
	}

	openerAdded := false
	if len(paragraphs) == 0 || !greetingPattern.MatchString(paragraphs[0]) {
		paragraphs = append([]string{canonicalOpener}, paragraphs...)
		openerAdded = true
	}

	var b strings.Builder
	b.WriteString(letterContainer)
	for _, p := range paragraphs {
		b.WriteString("\n<p>")
		b.WriteString(html.EscapeString(p))
		b.WriteString("</p>")
	}
	b.WriteString("\n</div>")
	out := b.String()
	return NormalizeResult{Content: out, Changed: out != content, OpenerAdded: openerAdded}
}

func needsRefresh(content string) bool {
	return legacyEditorPattern.MatchString(content) ||
		smartQuotePattern.MatchString(content) ||
		greetingTypoPattern.MatchString(content) ||
		spacedContraction.MatchString(content)
}

func cleanParagraph(raw string) string {
	p := whitespacePattern.ReplaceAllString(strings.TrimSpace(raw), " ")
	p = spaceBeforePunct.ReplaceAllString(p, "$1")
	p = missingSpaceAfterPunc.ReplaceAllString(p, "$1 $2")
	p = contractionPattern.ReplaceAllString(p, "$1'$2")
	p = greetingTypoPattern.ReplaceAllString(p, "Dear stranger")
	p = misspellingPattern.ReplaceAllStringFunc(p, fixSpelling)
	return strings.TrimSpace(p)
}

func fixSpelling(word string) string {
	fixed, ok := commonMisspellings[strings.ToLower(word)]
	if !ok {
		return word
	}
	if word != "" && strings.ToUpper(word[:1]) == word[:1] {
		return strings.ToUpper(fixed[:1]) + fixed[1:]
	}
	return fixed
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "section": true, "article": true, "tr": true,
}

// PlainText strips markup, turning block boundaries into newlines. Script and style
// bodies are dropped.
func PlainText(content string) string {
	tokenizer := xhtml.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	skip := 0
	for {
		switch tokenizer.Next() {
		case xhtml.ErrorToken:
			return strings.TrimSpace(b.String())
		case xhtml.TextToken:
			if skip == 0 {
				b.Write(tokenizer.Text())
			}
		case xhtml.StartTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
				continue
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		case xhtml.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			if blockElements[string(name)] {
				b.WriteByte('\n')
			}
		case xhtml.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
				continue
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}
		}
	}
}
