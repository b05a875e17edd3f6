package indexer

import "strings"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n", "\x00", "")

// Preprocess normalizes text for chunking: line endings become "\n", NUL bytes are
// removed and the text is trimmed. Inner whitespace is kept so paragraph and line
// boundaries survive.
func Preprocess(text string) string {
	return strings.TrimSpace(lineEndings.Replace(text))
}
