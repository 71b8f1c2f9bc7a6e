// Package notifiertest provides a Notifier that records messages.
package notifiertest

import (
	"context"
	"strings"
	"sync"
)

type Message struct {
	Text    string
	ReplyTo int64
	Image   []byte
}

// Recorder records every message and hands out increasing references.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, text string, replyTo int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Text: text, ReplyTo: replyTo})
	return int64(len(r.messages))
}

func (r *Recorder) NotifyWithImage(_ context.Context, image []byte, caption string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Text: caption, Image: image})
	return int64(len(r.messages))
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Count returns how many messages contain substr.
func (r *Recorder) Count(substr string) int {
	n := 0
	for _, m := range r.Messages() {
		if strings.Contains(m.Text, substr) {
			n++
		}
	}
	return n
}
