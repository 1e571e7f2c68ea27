package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"socialchat/pkg/logger"
)

const (
	defaultTypingCooldown = 3 * time.Second
	defaultTypingIdle     = 2 * time.Second
	stopEmitTimeout       = 5 * time.Second
)

// Emitter sends the local user's typing signals.
type Emitter interface {
	TypingStart(ctx context.Context, conversationID string) error
	TypingStop(ctx context.Context, conversationID string) error
}

type TyperOptions struct {
	// Cooldown is the minimum spacing between two typing_start signals.
	Cooldown time.Duration
	// Idle is how long after the last keystroke typing_stop is sent.
	Idle   time.Duration
	Logger *zap.Logger
}

// Typer throttles the local user's typing signals for one conversation.
type Typer struct {
	conversationID string
	emitter        Emitter
	idle           time.Duration
	limiter        *rate.Limiter
	log            *zap.Logger

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  *time.Timer
}

func NewTyper(conversationID string, emitter Emitter, opts TyperOptions) *Typer {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultTypingCooldown
	}
	if opts.Idle <= 0 {
		opts.Idle = defaultTypingIdle
	}
	return &Typer{
		conversationID: conversationID,
		emitter:        emitter,
		idle:           opts.Idle,
		limiter:        rate.NewLimiter(rate.Every(opts.Cooldown), 1),
		log:            logger.OrNop(opts.Logger).With(zap.String("conversation_id", conversationID)),
	}
}

// Keystroke records local typing activity. It emits typing_start when the
// user was idle or the cooldown has passed, and re-arms the idle stop.
func (t *Typer) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.idleStop(gen) })

	allowed := t.limiter.Allow()
	emit := !t.active || allowed
	wasActive := t.active
	t.active = true
	t.mu.Unlock()

	if !emit {
		return nil
	}
	if err := t.emitter.TypingStart(ctx, t.conversationID); err != nil {
		t.mu.Lock()
		if t.gen == gen {
			t.active = wasActive
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Sent ends the typing signal right away, e.g. when the message is sent.
func (t *Typer) Sent(ctx context.Context) error {
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	return t.emitter.TypingStop(ctx, t.conversationID)
}

func (t *Typer) idleStop(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopEmitTimeout)
	defer cancel()
	if err := t.emitter.TypingStop(ctx, t.conversationID); err != nil {
		t.log.Warn("typing_stop_failed", zap.Error(err))
	}
}

// Close cancels a pending idle stop without emitting it.
func (t *Typer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
