package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"socialchat/pkg/api"
	"socialchat/pkg/chat"
	"socialchat/pkg/metrics"
	"socialchat/pkg/presence"
	"socialchat/pkg/transport"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `commands:
  <text>                 send a message
  /reply <id> <text>     reply to a message
  /image <path>          upload and send an image or GIF
  /react <id> <emoji>    react to a message (/unreact <id> clears)
  /delete <id>           delete one of your messages
  /retry <id>            resend a failed message
  /draft                 show as typing without sending
  /older                 load older messages
  /who                   show who is typing
  /quit                  leave`

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open an interactive conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runChat(ctx, cmd, args[0])
	},
}

// chatRoom bundles the collaborators of one interactive conversation.
type chatRoom struct {
	conversationID string
	selfID         string
	rest           *api.Client
	session        *chat.Session
	presence       *presence.Aggregator
	typer          *presence.Typer
	view           *view
	reported       map[string]bool
}

func runChat(ctx context.Context, cmd *cobra.Command, conversationID string) error {
	token, err := cli.token()
	if err != nil {
		return err
	}
	cl := cli.cfg.Client
	m := metrics.New(nil)

	conn := transport.New(transport.Options{
		URL:                  cl.WSURL,
		Token:                token,
		AckTimeout:           cl.AckTimeout,
		MaxReconnectAttempts: cl.MaxReconnectAttempts,
		ReconnectBaseDelay:   cl.ReconnectBaseDelay,
		ReconnectMaxDelay:    cl.ReconnectMaxDelay,
		Logger:               cli.log,
		Metrics:              m,
	})
	if err := conn.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return fmt.Errorf("%w: %w", errNotLoggedIn, err)
		}
		return err
	}
	defer conn.Close()
	selfID := conn.UserID()

	rest := cli.restClient(token)
	v := newView(cmd.OutOrStdout(), selfID)

	manager := chat.NewManager(conn, rest, chat.Options{
		SelfID:     selfID,
		Tolerance:  cl.ReconcileTolerance,
		AckTimeout: cl.AckTimeout,
		PageSize:   cl.HistoryPageSize,
		Logger:     cli.log,
		Metrics:    m,
	})
	manager.OnAlert(func(conv string, err error) {
		v.notice("could not load history for %s: %v", conv, err)
	})
	defer manager.Attach(conn)()

	agg := presence.NewAggregator(presence.Options{SelfID: selfID, Expiry: cl.TypingExpiry, Logger: cli.log})
	defer agg.Close()
	defer agg.Attach(conn)()

	typer := presence.NewTyper(conversationID, conn, presence.TyperOptions{
		Cooldown: cl.TypingCooldown,
		Idle:     cl.TypingIdle,
		Logger:   cli.log,
	})
	defer typer.Close()

	defer conn.OnStateChange(func(s transport.State) {
		v.notice("connection %s", s)
		if s == transport.StateClosed {
			if err := conn.Err(); err != nil {
				v.notice("gave up reconnecting: %v", err)
			}
		}
	})()

	session, err := manager.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Close(leaveCtx, conversationID)
	}()

	room := &chatRoom{
		conversationID: conversationID,
		selfID:         selfID,
		rest:           rest,
		session:        session,
		presence:       agg,
		typer:          typer,
		view:           v,
		reported:       make(map[string]bool),
	}

	typingChanged := make(chan struct{}, 1)
	agg.OnChange(func(conv string) {
		if conv != conversationID {
			return
		}
		select {
		case typingChanged <- struct{}{}:
		default:
		}
	})
	agg.OnPresence(func(userID string, online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		v.notice("%s is %s", shortUser(userID), state)
	})

	v.notice("joined %s as %s (type /help)", conversationID, shortUser(selfID))
	room.refresh(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-session.Updates():
			if !ok {
				return nil
			}
			room.refresh(ctx)
		case <-typingChanged:
			v.showTyping(agg.TypingUsers(conversationID))
		case line, ok := <-lines:
			if !ok {
				session.Wait()
				return nil
			}
			quit, err := room.handle(ctx, line)
			if err != nil {
				v.notice("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// refresh redraws changed messages and reports newly visible peer messages as read.
func (r *chatRoom) refresh(ctx context.Context) {
	messages := r.session.Messages()
	r.view.render(messages, r.session.Message)

	ids := unread(messages, r.selfID, r.reported)
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		r.reported[id] = true
	}
	go func() {
		if err := r.rest.MarkRead(ctx, r.conversationID, ids); err != nil {
			cli.log.Warn("mark_read_failed", zap.Error(err))
		}
	}()
}

// handle executes one input line and reports whether the user asked to quit.
func (r *chatRoom) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, chat.Content{Text: line}, chat.KindText, "")
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.view.notice("%s", chatHelp)

	case "/reply":
		prefix, text, _ := strings.Cut(rest, " ")
		target, err := resolve(r.session.Messages(), prefix)
		if err != nil {
			return false, err
		}
		if target.ID == "" {
			return false, fmt.Errorf("cannot reply to a message that is not sent yet")
		}
		return false, r.send(ctx, chat.Content{Text: strings.TrimSpace(text)}, chat.KindText, target.ID)

	case "/image":
		return false, r.sendImage(ctx, rest)

	case "/react", "/unreact":
		prefix, emoji, _ := strings.Cut(rest, " ")
		target, err := resolve(r.session.Messages(), prefix)
		if err != nil {
			return false, err
		}
		if name == "/unreact" {
			emoji = ""
		} else if emoji = strings.TrimSpace(emoji); emoji == "" {
			return false, fmt.Errorf("usage: /react <id> <emoji>")
		}
		return false, r.session.React(ctx, target.ID, emoji)

	case "/delete":
		target, err := resolve(r.session.Messages(), rest)
		if err != nil {
			return false, err
		}
		return false, r.session.DeleteMessage(ctx, target.ID)

	case "/retry":
		target, err := resolve(r.session.Messages(), rest)
		if err != nil {
			return false, err
		}
		go func() {
			if err := r.session.Retry(context.WithoutCancel(ctx), target.LocalID); err != nil {
				r.view.notice("retry failed: %v", err)
			}
		}()

	case "/draft":
		return false, r.typer.Keystroke(ctx)

	case "/older":
		n, err := r.session.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		if n == 0 && !r.session.HasMore() {
			r.view.notice("no older messages")
		}

	case "/who":
		typing := r.presence.TypingUsers(r.conversationID)
		r.view.notice("typing: %s", strings.Join(typing, ", "))

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *chatRoom) send(ctx context.Context, content chat.Content, kind chat.Kind, replyToID string) error {
	if _, err := r.session.Send(ctx, content, kind, replyToID); err != nil {
		return err
	}
	return r.typer.Sent(ctx)
}

func (r *chatRoom) sendImage(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("usage: /image <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	media, err := r.rest.UploadMedia(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	kind := chat.KindImage
	if strings.EqualFold(filepath.Ext(path), ".gif") {
		kind = chat.KindGIF
	}
	return r.send(ctx, chat.Content{Media: &media}, kind, "")
}
