// Package reply decides what, if anything, the automation answers to an
// inbound customer message.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Fixed reply templates.
const (
	// MediaTemplate acknowledges a received photo and asks for contact details.
	MediaTemplate = "ধন্যবাদ! ছবিটা পেয়েছি দয়া করে আপনার whatsapp নাম্বার দিন, আমাদের একজন প্রতিনিধি শিগ্রই আপনার সাথে যোগাযোগ করবে।"
	// DefaultReply is the best-effort fallback when the model path fails.
	DefaultReply = "ধন্যবাদ! অনুগ্রহ করে আপনার প্রোডাক্টের ছবি দিন 😊"

	defaultSystemPrompt = `You are a customer support assistant.

Rules:
- Always reply in the SAME language as the user
- Be polite, professional, and short (1-2 lines only)
- Do NOT give unnecessary information`

	styleReminder = "Reply rules: keep reply within 1-2 short lines, complete sentence, end with a clear question/instruction."
)

// Source records which rule produced a reply.
type Source string

const (
	SourceMediaTemplate Source = "media_template"
	SourcePriceQuote    Source = "price_quote"
	SourceModel         Source = "model"
	SourceFallback      Source = "fallback"
)

// Decision is the outcome of the reply policy: always a usable string.
type Decision struct {
	Text   string
	Source Source
}

// Engine applies the deterministic rules first and falls back to the model.
// Decide never fails; the worst case is the default reply text.
type Engine struct {
	book         *PriceBook
	window       *ContextWindow
	model        ModelClient
	systemPrompt string
	logger       *slog.Logger
}

// NewEngine creates a reply policy engine. An empty systemPrompt uses the
// built-in default.
func NewEngine(log *slog.Logger, book *PriceBook, window *ContextWindow, model ModelClient, systemPrompt string) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if book == nil {
		book = NewPriceBook(nil)
	}
	if window == nil {
		window = NewContextWindow(MaxContextExchanges)
	}
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Engine{
		book:         book,
		window:       window,
		model:        model,
		systemPrompt: systemPrompt,
		logger:       log.With(slog.String("service", "reply_policy")),
	}
}

// Decide produces a reply for an inbound customer message. Precedence, first
// match wins: media template, two-token price lookup, model completion. The
// model path records both sides into the context window; the deterministic
// paths skip it so template exchanges do not crowd out real dialogue.
func (e *Engine) Decide(ctx context.Context, conversationID, text string, hasMedia bool) Decision {
	if hasMedia {
		return Decision{Text: MediaTemplate, Source: SourceMediaTemplate}
	}

	if productType, size, ok := MatchTwoTokens(text); ok {
		if price, found := e.book.Lookup(productType, size); found {
			return Decision{
				Text:   fmt.Sprintf("আপনার প্রোডাক্টের দাম: %d টাকা। অনুগ্রহ করে ছবি পাঠান।", price),
				Source: SourcePriceQuote,
			}
		}
	}

	return e.modelReply(ctx, conversationID, text)
}

func (e *Engine) modelReply(ctx context.Context, conversationID, text string) Decision {
	if e.model == nil {
		return Decision{Text: DefaultReply, Source: SourceFallback}
	}

	messages := make([]Turn, 0, e.window.cap+3)
	messages = append(messages,
		Turn{Role: "system", Content: e.systemPrompt},
		Turn{Role: "assistant", Content: styleReminder},
	)
	messages = append(messages, e.window.Turns(conversationID)...)
	messages = append(messages, Turn{Role: "user", Content: text})

	completion, err := e.model.Complete(ctx, messages)
	if err != nil || strings.TrimSpace(completion) == "" {
		if err != nil {
			e.logger.Warn("model reply failed",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err),
			)
		}
		return Decision{Text: DefaultReply, Source: SourceFallback}
	}

	e.window.Push(conversationID, "user", text)
	e.window.Push(conversationID, "assistant", completion)
	return Decision{Text: completion, Source: SourceModel}
}
