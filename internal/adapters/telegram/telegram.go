package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"salesops/internal/channel"
	"salesops/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
	// Offline skips the getMe handshake at construction.
	Offline bool
	// Templates maps "name/locale" to a body with {1}..{n} placeholders.
	// Nil uses DefaultTemplates.
	Templates map[string]string
}

// Adapter is a channel.Sender and channel.Source over the Telegram Bot API.
// Addresses are numeric chat IDs rendered as strings.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu   sync.Mutex
	poll *poll

	// dropped counts inbound messages lost because the consumer was slow.
	dropped atomic.Uint64
}

// poll is one long-polling session. done closes once the bot has returned
// from Start.
type poll struct {
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	dropReportEvery = 5 * time.Second
	stopGrace       = 2 * time.Second
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: bot}, nil
}

// Start registers the inbound handler and begins long polling. Calling it
// while a session is active is a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- channel.Inbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.poll != nil {
		return nil
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &poll{cancel: cancel, done: make(chan struct{})}
	a.poll = p

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.Chat != nil {
			select {
			case out <- toInbound(m):
			default:
				a.dropped.Add(1)
			}
		}
		return nil
	})

	polling := make(chan struct{})
	go func() {
		defer close(polling)
		a.log.Info("long poll running", logx.Duration("timeout", a.cfg.PollTimeout))
		a.bot.Start()
	}()
	go a.supervise(pctx, p, polling, cap(out))
	return nil
}

// supervise reports dropped inbound messages and stops the bot when the
// session ends.
func (a *Adapter) supervise(ctx context.Context, p *poll, polling <-chan struct{}, capacity int) {
	defer close(p.done)
	tick := time.NewTicker(dropReportEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			a.reportDropped(capacity)
		case <-ctx.Done():
			a.bot.Stop()
			<-polling
			a.reportDropped(capacity)
			a.log.Info("long poll ended")
			return
		}
	}
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("inbound queue full, messages dropped", logx.Int64("count", int64(n)), logx.Int("queue_cap", capacity))
	}
}

// Stop ends the polling session. A request still in flight is abandoned
// after a short grace period.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	p := a.poll
	a.poll = nil
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	p.cancel()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	select {
	case <-p.done:
		return nil
	case <-wctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		a.log.Warn("long poll still in flight after grace, abandoning it")
		return nil
	}
}

func (a *Adapter) SendDirect(ctx context.Context, address, text string) (channel.Ref, error) {
	return a.send(ctx, address, text)
}

// SendTemplate renders a locally registered template. Telegram has no
// provider-side templates, so an unknown name or a parameter count mismatch
// is reported as channel.ErrTemplateRejected.
func (a *Adapter) SendTemplate(ctx context.Context, address, template, locale string, params []string) (channel.Ref, error) {
	body, err := Render(a.cfg.Templates, template, locale, params)
	if err != nil {
		return channel.Ref{}, err
	}
	return a.send(ctx, address, body)
}

// send delivers text in order as one or more chunks. Any chunk failure
// fails the whole send so the caller keeps the message for a retry. The
// returned Ref points at the first chunk.
func (a *Adapter) send(ctx context.Context, address, text string) (channel.Ref, error) {
	id, err := ParseAddress(address)
	if err != nil {
		return channel.Ref{}, err
	}
	var first channel.Ref
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		msgID, err := a.sendOne(ctx, id, chunk)
		if err != nil {
			if i > 0 {
				a.log.Warn("telegram send interrupted mid-message",
					logx.String("address", address), logx.Int("sent", i), logx.Int("chunks", len(chunks)))
			}
			return channel.Ref{}, fmt.Errorf("telegram send to %s: %w", address, err)
		}
		if i == 0 {
			first = channel.Ref{Address: address, MessageID: strconv.Itoa(msgID)}
		}
	}
	return first, nil
}

func (a *Adapter) sendOne(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	type result struct {
		msg *tele.Message
		err error
	}
	// telebot calls are not context aware; the buffered channel lets the
	// request finish in the background after ctx ends.
	ch := make(chan result, 1)
	go func() {
		m, err := a.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
		ch <- result{m, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return 0, r.err
		}
		return r.msg.ID, nil
	}
}

// ParseAddress converts a chat address to a Telegram chat ID.
func ParseAddress(address string) (int64, error) {
	s := strings.TrimSpace(address)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid telegram chat address %q", address)
	}
	return id, nil
}

func toInbound(m *tele.Message) channel.Inbound {
	at := m.Time()
	if m.Unixtime == 0 {
		at = time.Now()
	}
	return channel.Inbound{
		Address:    strconv.FormatInt(m.Chat.ID, 10),
		Text:       m.Text,
		ReceivedAt: at,
		MessageID:  strconv.Itoa(m.ID),
	}
}
