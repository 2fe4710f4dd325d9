// Package interject parses a watcher's evaluation text into an optional
// decision to speak up in the watched session.
//
// A watcher answers an evaluation with one of two shapes:
//
//	[INTERJECT]
//	urgent: true|false
//	content: <message>
//	[/INTERJECT]
//
// or
//
//	[CONTINUE]
//	<optional private note>
//	[/CONTINUE]
//
// Anything that is not a well-formed INTERJECT block means "no action".
package interject

import (
	"strconv"
	"strings"
)

const (
	openTag       = "[INTERJECT]"
	closeTag      = "[/INTERJECT]"
	continueOpen  = "[CONTINUE]"
	continueClose = "[/CONTINUE]"

	urgentField  = "urgent:"
	contentField = "content:"
)

// Interjection is a parsed decision to deliver a message to the parent.
type Interjection struct {
	Urgent  bool
	Content string
}

// Parse extracts the first INTERJECT block from text. It returns false
// when there is no complete block or the block carries no content.
func Parse(text string) (Interjection, bool) {
	start := strings.Index(text, openTag)
	if start < 0 {
		return Interjection{}, false
	}
	body := text[start+len(openTag):]
	end := strings.Index(body, closeTag)
	if end < 0 {
		return Interjection{}, false
	}
	body = body[:end]

	var (
		in         Interjection
		content    []string
		inContent  bool
		seenUrgent bool
	)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, urgentField):
			// A field after content closes the content section.
			inContent = false
			if !seenUrgent {
				seenUrgent = true
				in.Urgent = parseBool(strings.TrimPrefix(trimmed, urgentField))
			}
		case strings.HasPrefix(trimmed, contentField) && !inContent && content == nil:
			inContent = true
			content = append(content, strings.TrimSpace(strings.TrimPrefix(trimmed, contentField)))
		case inContent:
			content = append(content, strings.TrimRight(line, "\r"))
		}
	}

	in.Content = strings.TrimSpace(strings.Join(content, "\n"))
	if in.Content == "" {
		return Interjection{}, false
	}
	return in, true
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return v
}

// Note returns the private note of the first CONTINUE block, if any.
// Notes carry no data and are only useful for logging.
func Note(text string) (string, bool) {
	start := strings.Index(text, continueOpen)
	if start < 0 {
		return "", false
	}
	body := text[start+len(continueOpen):]
	end := strings.Index(body, continueClose)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(body[:end]), true
}
