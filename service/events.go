package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/c360/replicant/natsclient"
	"github.com/c360/replicant/replicant"
)

const (
	changeSubjectPrefix = "replicant.changed"
	publishTimeout      = 2 * time.Second
)

// startEventPublisher mirrors store change events onto NATS subjects
// (replicant.changed.<ns>.<name>) so out-of-process consumers can observe
// writes. Publish failures are logged and dropped; the write already
// committed and in-process delivery is unaffected.
func (s *Service) startEventPublisher(client *natsclient.Client) func() {
	return s.store.SubscribeAll(func(event replicant.ChangeEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("change event marshal failed",
				"namespace", event.Namespace, "name", event.Name, "error", err)
			return
		}

		subject := changeSubjectPrefix + "." +
			subjectToken(event.Namespace) + "." + subjectToken(event.Name)

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := client.Publish(ctx, subject, data); err != nil {
			s.logger.Warn("change event publish failed",
				"subject", subject, "error", err)
		}
	})
}

// subjectToken makes a namespace or name safe for use as a single NATS
// subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
