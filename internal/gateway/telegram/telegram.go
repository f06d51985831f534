// Package telegram implements the channel gateway on the Telegram Bot API.
//
// The bot must be added to each channel it should read. Incoming channel
// posts are filtered against the allow-list maintained by SetChannels and
// handed to registered handlers through a buffered channel, so a slow
// consumer never stalls the poll loop (drops are counted and summarized
// periodically instead of logged per update).
//
// History note: the Bot API exposes no channel-history fetch, so the
// ingestHistory flag is accepted for interface compatibility and ignored.
// The dispatch layer independently guards against replayed history via its
// initialized-at cutoff.
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

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"signalpipe/internal/gateway"
	"signalpipe/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// ResolveRatePerSec caps outbound resolution calls (Telegram flood
	// protection). 0 means 1/s.
	ResolveRatePerSec int
}

// HistoryWiper clears stored history for a channel when SetChannels is
// called with resetHistory.
type HistoryWiper interface {
	ClearChannel(ctx context.Context, channelID string) (int64, error)
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	history HistoryWiper

	limiter *rate.Limiter

	mu       sync.Mutex
	allowed  map[string]struct{}
	handlers []gateway.Handler

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	inbox     chan gateway.Message

	// dropped counts messages discarded because the consumer was slower
	// than the poll loop; logged periodically to avoid per-update spam.
	dropped uint64
}

func New(cfg Config, history HistoryWiper, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.ResolveRatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		history: history,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		allowed: map[string]struct{}{},
	}, nil
}

// OnMessage registers a handler. Registration is expected during wiring,
// before Start.
func (a *Adapter) OnMessage(h gateway.Handler) {
	if h == nil {
		return
	}
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.inbox = make(chan gateway.Message, 256)

	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.bot.Handle(tele.OnChannelPost, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		a.accept(gateway.Message{
			ChannelID: strconv.FormatInt(m.Chat.ID, 10),
			MessageID: int64(m.ID),
			Text:      m.Text,
			Timestamp: m.Time(),
		})
		return nil
	})

	// Pump: decouples telebot's poll goroutine from handler work.
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		a.pump(rctx)
	}()

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		a.dropSummary(rctx)
	}()

	go a.bot.Start()
	a.log.Info("telegram gateway started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()

	a.bot.Stop()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	a.log.Info("telegram gateway stopped")
	return nil
}

func (a *Adapter) accept(msg gateway.Message) {
	a.mu.Lock()
	_, ok := a.allowed[msg.ChannelID]
	inbox := a.inbox
	a.mu.Unlock()
	if !ok || inbox == nil {
		return
	}
	select {
	case inbox <- msg:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			a.mu.Lock()
			handlers := append([]gateway.Handler(nil), a.handlers...)
			a.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

func (a *Adapter) dropSummary(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	flush := func() {
		if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
			a.log.Warn("inbound messages dropped (consumer slow)",
				logx.Uint64("count", n), logx.Int("chan_cap", cap(a.inbox)))
		}
	}
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

// Resolve maps an identifier to a canonical channel id + title.
//
// Accepted forms, tried in order: raw numeric id, t.me link slug, @username.
func (a *Adapter) Resolve(ctx context.Context, identifier string) (gateway.ChannelInfo, error) {
	ident := strings.TrimSpace(identifier)
	if ident == "" {
		return gateway.ChannelInfo{}, errors.New("channel identifier is empty")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return gateway.ChannelInfo{}, err
	}

	if id, err := strconv.ParseInt(ident, 10, 64); err == nil {
		chat, err := a.bot.ChatByID(id)
		if err != nil {
			return gateway.ChannelInfo{}, fmt.Errorf("resolve channel %q: %w", ident, err)
		}
		return chatInfo(chat), nil
	}

	slug := ident
	if i := strings.Index(strings.ToLower(slug), "t.me/"); i >= 0 {
		slug = slug[i+len("t.me/"):]
	}
	slug = strings.TrimPrefix(strings.TrimPrefix(slug, "+"), "@")
	if slug == "" {
		return gateway.ChannelInfo{}, errors.New("channel identifier is empty")
	}
	chat, err := a.bot.ChatByUsername("@" + slug)
	if err != nil {
		return gateway.ChannelInfo{}, fmt.Errorf("resolve channel %q: %w", ident, err)
	}
	return chatInfo(chat), nil
}

func (a *Adapter) SetChannels(ctx context.Context, ids []string, resetHistory, ingestHistory bool) error {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			next[id] = struct{}{}
		}
	}

	a.mu.Lock()
	a.allowed = next
	a.mu.Unlock()

	if resetHistory && a.history != nil {
		for id := range next {
			if n, err := a.history.ClearChannel(ctx, id); err != nil {
				a.log.Warn("history reset failed", logx.String("channel", id), logx.Err(err))
			} else if n > 0 {
				a.log.Info("history cleared", logx.String("channel", id), logx.Int64("rows", n))
			}
		}
	}

	a.log.Info("listening set updated", logx.Int("channels", len(next)))
	return nil
}

func (a *Adapter) StopListening(ctx context.Context) error {
	a.mu.Lock()
	a.allowed = map[string]struct{}{}
	a.mu.Unlock()
	a.log.Info("listening stopped (no active channels)")
	return nil
}

func chatInfo(chat *tele.Chat) gateway.ChannelInfo {
	id := strconv.FormatInt(chat.ID, 10)
	title := chat.Title
	if title == "" {
		title = chat.Username
	}
	if title == "" {
		title = id
	}
	return gateway.ChannelInfo{ID: id, Title: title}
}

