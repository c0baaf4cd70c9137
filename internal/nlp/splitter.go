// Package nlp carves finalized sentences out of the rolling transcript
// buffer. Splitting is language-aware: each supported language has an ordered
// terminator list, and languages without reliable terminators rely on the
// force-flush path instead.
package nlp

import (
	"strings"
	"time"
	"unicode"
)

// ForceFlushAfter is how long a transcript may sit in the buffer without
// completing a sentence before the buffer is flushed as-is.
const ForceFlushAfter = 2500 * time.Millisecond

// minSentenceRunes is the shortest carve-off the splitter will emit.
const minSentenceRunes = 3

// Per-language terminator lists. Multi-character forms come first so a
// polite Korean ending is not cut short at its final syllable.
var (
	koreanTerminators = []string{
		"습니다.", "입니다.", "니다.", "세요.", "네요.", "까요?", "지요.", "죠.",
		"다.", "요.", "요?", "!", "?",
	}
	japaneseTerminators = []string{
		"です。", "ます。", "でした。", "ました。",
		"。", "！", "？",
	}
	chineseTerminators = []string{
		"。", "！", "？", "；",
	}
	englishTerminators = []string{
		". ", "! ", "? ", ".\n", "!\n", "?\n",
	}
)

// minFlushRunes is the per-language buffer length that makes a force-flush
// worthwhile on its own.
var minFlushRunes = map[string]int{
	"ko": 30,
	"ja": 15,
	"zh": 15,
	"en": 50,
}

const defaultMinFlushRunes = 20

// NormalizeLanguage reduces a BCP-47-ish code to the primary subtag the
// splitter keys on: "ja-JP" → "ja", any Chinese variant → "zh". Empty input
// stays empty (language unknown).
func NormalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	switch code {
	case "cmn", "yue", "zh":
		return "zh"
	}
	return code
}

// Terminators returns the ordered terminator list for a normalized language
// code. Unknown languages get every list, Korean forms first.
func Terminators(lang string) []string {
	switch lang {
	case "ko":
		return koreanTerminators
	case "ja":
		return japaneseTerminators
	case "zh":
		return chineseTerminators
	case "en":
		return englishTerminators
	}
	all := make([]string, 0, len(koreanTerminators)+len(japaneseTerminators)+len(chineseTerminators)+len(englishTerminators))
	all = append(all, koreanTerminators...)
	all = append(all, japaneseTerminators...)
	all = append(all, chineseTerminators...)
	all = append(all, englishTerminators...)
	return all
}

// MinFlushLength returns the buffer length (runes) that justifies a
// force-flush for the language.
func MinFlushLength(lang string) int {
	if n, ok := minFlushRunes[lang]; ok {
		return n
	}
	return defaultMinFlushRunes
}

// SplitSentences repeatedly cuts the earliest complete sentence off text and
// returns the carved sentences plus the unconsumed remainder. Carve-offs of
// three runes or fewer are consumed but not emitted.
func SplitSentences(text, lang string) (sentences []string, remaining string) {
	terminators := Terminators(lang)
	remaining = text

	for {
		sentence, rest, ok := cutEarliest(remaining, terminators)
		if !ok {
			break
		}
		remaining = rest
		if len([]rune(sentence)) > minSentenceRunes {
			sentences = append(sentences, sentence)
		}
	}
	return sentences, strings.TrimSpace(remaining)
}

// cutEarliest finds the terminator occurrence ending earliest in text. Among
// matches ending at the same byte, the longest terminator wins so compound
// endings are preferred.
func cutEarliest(text string, terminators []string) (sentence, rest string, ok bool) {
	bestEnd := -1
	bestLen := 0
	for _, term := range terminators {
		idx := strings.Index(text, term)
		if idx < 0 {
			continue
		}
		end := idx + len(term)
		if bestEnd == -1 || end < bestEnd || (end == bestEnd && len(term) > bestLen) {
			bestEnd = end
			bestLen = len(term)
		}
	}
	if bestEnd < 0 {
		return "", "", false
	}
	return strings.TrimSpace(text[:bestEnd]), text[bestEnd:], true
}

// Sentence is one finalized sentence with the confidence the transcript
// frame should carry.
type Sentence struct {
	Text       string
	Confidence float64
}

const (
	terminatorConfidence = 0.9
	forceFlushConfidence = 0.85
)

// Buffer accumulates transcripts for one session and yields complete
// sentences. It also tallies detected languages so splitting follows the
// dominant language of the session. Not safe for concurrent use; the NLP
// worker is its only caller.
type Buffer struct {
	text       string
	langTally  map[string]int
	lastAppend time.Time

	now func() time.Time
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		langTally: map[string]int{},
		now:       time.Now,
	}
}

// Append adds a transcript (with its detected language code, may be empty)
// and returns any sentences it completed.
func (b *Buffer) Append(text, langCode string) []Sentence {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if b.text == "" {
		b.text = text
	} else {
		b.text += " " + text
	}
	b.lastAppend = b.now()

	if lang := NormalizeLanguage(langCode); lang != "" {
		b.langTally[lang]++
	}

	carved, remaining := SplitSentences(b.text, b.Language())
	b.text = remaining

	sentences := make([]Sentence, 0, len(carved))
	for _, s := range carved {
		sentences = append(sentences, Sentence{Text: s, Confidence: terminatorConfidence})
	}
	return sentences
}

// TryForceFlush returns the buffered text as a reduced-confidence sentence
// when it has waited long enough without completing, per the length rules.
func (b *Buffer) TryForceFlush() (Sentence, bool) {
	if b.text == "" {
		return Sentence{}, false
	}
	if b.now().Sub(b.lastAppend) < ForceFlushAfter {
		return Sentence{}, false
	}

	runes := len([]rune(b.text))
	if runes < MinFlushLength(b.Language()) && countNonSpace(b.text) < 3 {
		return Sentence{}, false
	}

	return b.take(), true
}

// Flush unconditionally drains whatever remains; used on worker shutdown.
func (b *Buffer) Flush() (Sentence, bool) {
	if strings.TrimSpace(b.text) == "" {
		b.text = ""
		return Sentence{}, false
	}
	return b.take(), true
}

// Language returns the dominant detected language, or "" when none was
// reported yet.
func (b *Buffer) Language() string {
	best, bestCount := "", 0
	for lang, count := range b.langTally {
		if count > bestCount || (count == bestCount && lang < best) {
			best, bestCount = lang, count
		}
	}
	return best
}

// Len returns the buffered rune count.
func (b *Buffer) Len() int {
	return len([]rune(b.text))
}

func (b *Buffer) take() Sentence {
	s := Sentence{Text: strings.TrimSpace(b.text), Confidence: forceFlushConfidence}
	b.text = ""
	return s
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
