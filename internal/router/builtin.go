// ABOUTME: Built-in router middlewares: markdown rendering and blocked-word veto
// ABOUTME: Both copy the message before changing it since pipelines run concurrently

package router

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/2389/switchboard/internal/state"
)

// MetaHTML is the message meta key holding rendered markdown.
const MetaHTML = "html"

// Markdown renders message text to HTML for operator consoles, storing it in
// Meta["html"]. Events and empty messages pass through untouched; vetoed
// messages stay vetoed.
func Markdown() Middleware {
	md := goldmark.New()
	return MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
		if mc.Vetoed {
			return nil, nil
		}
		msg := mc.Message
		if mc.Destination != Operator || msg.Type == state.MessageTypeEvent || msg.Text == "" {
			return &msg, nil
		}
		var buf bytes.Buffer
		if err := md.Convert([]byte(msg.Text), &buf); err != nil {
			return nil, fmt.Errorf("rendering markdown: %w", err)
		}
		meta := make(map[string]any, len(msg.Meta)+1)
		for k, v := range msg.Meta {
			meta[k] = v
		}
		meta[MetaHTML] = buf.String()
		msg.Meta = meta
		return &msg, nil
	})
}

// BlockedWords suppresses messages containing any of the given words
// (case-insensitive) for every destination except operators, who still see
// them.
func BlockedWords(words []string) Middleware {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(strings.ToLower(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return MiddlewareFunc(func(_ context.Context, mc Context) (*state.Message, error) {
		if mc.Vetoed {
			return nil, nil
		}
		msg := mc.Message
		if mc.Destination == Operator || len(lowered) == 0 {
			return &msg, nil
		}
		text := strings.ToLower(msg.Text)
		for _, w := range lowered {
			if strings.Contains(text, w) {
				return nil, nil
			}
		}
		return &msg, nil
	})
}
