package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"socialchat/pkg/chat"
	"socialchat/pkg/protocol"
)

const shortIDLen = 8

func shortID(m chat.Message) string {
	id := m.ID
	if id == "" {
		id = m.LocalID
	}
	if len(id) > shortIDLen {
		id = id[:shortIDLen]
	}
	return id
}

func shortUser(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

// formatMessage renders one line of the conversation view.
func formatMessage(m chat.Message, selfID string, replyTo *chat.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-8s ", m.CreatedAt.Local().Format("15:04"), shortID(m))

	who := shortUser(m.SenderID)
	if m.SenderID == selfID {
		who = "me"
	}
	b.WriteString(who)
	b.WriteString(": ")

	if replyTo != nil {
		fmt.Fprintf(&b, "(re %s) ", shortID(*replyTo))
	}

	switch {
	case m.Deleted:
		b.WriteString(chat.DeletedPlaceholder)
	case m.Content.Media != nil:
		fmt.Fprintf(&b, "<%s %dx%d %s>", m.Kind, m.Content.Media.Width, m.Content.Media.Height, m.Content.Media.URL)
		if m.Content.Text != "" {
			b.WriteString(" " + m.Content.Text)
		}
	default:
		b.WriteString(m.Content.Text)
	}

	if len(m.Reactions) > 0 {
		counts := make(map[string]int)
		for _, r := range m.Reactions {
			counts[r]++
		}
		keys := make([]string, 0, len(counts))
		for r := range counts {
			keys = append(keys, r)
		}
		sort.Strings(keys)
		for _, r := range keys {
			fmt.Fprintf(&b, "  %s%d", r, counts[r])
		}
	}

	if m.SenderID == selfID {
		fmt.Fprintf(&b, "  (%s)", m.State)
		if m.State == chat.StateFailed {
			fmt.Fprintf(&b, " /retry %s", shortID(m))
		}
	}
	return b.String()
}

func formatServerMessage(sm protocol.ServerMessage) string {
	text := sm.Text
	if sm.Deleted {
		text = chat.DeletedPlaceholder
	} else if sm.Media != nil {
		text = fmt.Sprintf("<%s %s>", sm.Kind, sm.Media.URL)
	}
	return fmt.Sprintf("[%s] %s: %s", sm.CreatedAt.Local().Format("2006-01-02 15:04"), shortUser(sm.SenderID), text)
}

// resolve finds a message by a prefix of its server or local id.
func resolve(messages []chat.Message, prefix string) (chat.Message, error) {
	if prefix == "" {
		return chat.Message{}, fmt.Errorf("message id is required")
	}
	var found []chat.Message
	for _, m := range messages {
		if strings.HasPrefix(m.ID, prefix) || strings.HasPrefix(m.LocalID, prefix) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return chat.Message{}, fmt.Errorf("no message matches %q", prefix)
	case 1:
		return found[0], nil
	default:
		return chat.Message{}, fmt.Errorf("%q is ambiguous (%d messages)", prefix, len(found))
	}
}

// view prints changed lines of a conversation as they change.
type view struct {
	out    io.Writer
	selfID string

	mu      sync.Mutex
	printed map[string]string // local or server id -> last rendered line
	typing  string
}

func newView(out io.Writer, selfID string) *view {
	return &view{out: out, selfID: selfID, printed: make(map[string]string)}
}

// render prints every message whose line changed since the last call,
// oldest first.
func (v *view) render(messages []chat.Message, lookup func(id string) (chat.Message, bool)) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		var replyTo *chat.Message
		if m.ReplyToID != "" {
			if target, ok := lookup(m.ReplyToID); ok {
				replyTo = &target
			}
		}
		line := formatMessage(m, v.selfID, replyTo)

		key := m.LocalID
		if key == "" {
			key = m.ID
		}
		if v.printed[key] == line {
			continue
		}
		v.printed[key] = line
		fmt.Fprintln(v.out, line)
	}
}

func (v *view) showTyping(users []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	line := ""
	if len(users) > 0 {
		short := make([]string, len(users))
		for i, u := range users {
			short[i] = shortUser(u)
		}
		line = strings.Join(short, ", ") + " typing..."
	}
	if line == v.typing {
		return
	}
	v.typing = line
	if line == "" {
		line = "(stopped typing)"
	}
	fmt.Fprintf(v.out, "  %s\n", line)
}

func (v *view) notice(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "* "+format+"\n", args...)
}

// unread returns server ids of peer messages not yet reported as read.
func unread(messages []chat.Message, selfID string, reported map[string]bool) []string {
	var ids []string
	for _, m := range messages {
		if m.ID == "" || m.SenderID == selfID || m.Deleted || reported[m.ID] {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}
