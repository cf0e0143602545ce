// Package ledger keeps a per-address history of delivered messages in
// Redis sorted sets scored by send time.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"salesops/internal/delivery"
	"salesops/internal/eventbus"
	"salesops/pkg/logx"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention trims entries older than now-Retention on every write.
	Retention time.Duration
	// MaxPerAddress keeps only the newest N entries per address.
	MaxPerAddress int
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "salesops:"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	if c.MaxPerAddress <= 0 {
		c.MaxPerAddress = 500
	}
	return c
}

// Entry is one delivered message.
type Entry struct {
	MessageID   string    `json:"message_id"`
	Address     string    `json:"address"`
	RecipientID string    `json:"recipient_id,omitempty"`
	Type        string    `json:"type,omitempty"`
	Method      string    `json:"method"`
	SentAt      time.Time `json:"sent_at"`
}

// NewClient dials Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("ledger: redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger: redis ping: %w", err)
	}
	return client, nil
}

type Ledger struct {
	rdb redis.Cmdable
	cfg Config
	log logx.Logger
}

func New(rdb redis.Cmdable, cfg Config, log logx.Logger) *Ledger {
	return &Ledger{rdb: rdb, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "ledger"))}
}

func (l *Ledger) addressKey(address string) string {
	return l.cfg.KeyPrefix + "sent:" + address
}

func (l *Ledger) allKey() string { return l.cfg.KeyPrefix + "sent" }

// Record stores e and trims the address history in one transaction.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.MessageID == "" || e.Address == "" {
		return fmt.Errorf("ledger: entry needs message id and address")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := l.addressKey(e.Address)
	score := float64(e.SentAt.UnixMilli())
	cutoff := strconv.FormatInt(e.SentAt.Add(-l.cfg.Retention).UnixMilli(), 10)
	_, err = l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: string(b)})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		p.ZRemRangeByRank(ctx, key, 0, int64(-l.cfg.MaxPerAddress-1))
		p.ZAdd(ctx, l.allKey(), redis.Z{Score: score, Member: e.Address + "|" + e.MessageID})
		p.ZRemRangeByScore(ctx, l.allKey(), "-inf", "("+cutoff)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", e.MessageID, err)
	}
	return nil
}

// Recent returns one page (1-based) of an address history, newest first,
// plus the total number of entries kept.
func (l *Ledger) Recent(ctx context.Context, address string, page, pageSize int) ([]Entry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	key := l.addressKey(address)
	total, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	start := int64((page - 1) * pageSize)
	raw, err := l.rdb.ZRevRange(ctx, key, start, start+int64(pageSize)-1).Result()
	if err != nil {
		return nil, 0, err
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, total, nil
}

// CountSince counts deliveries across all addresses at or after since.
func (l *Ledger) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return l.rdb.ZCount(ctx, l.allKey(), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
}

// Run records every successful delivery.direct and delivery.template event
// until ctx ends or the subscription closes.
func (l *Ledger) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e, ok := entryFrom(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := l.Record(wctx, e); err != nil {
				l.log.Warn("ledger write failed", logx.String("message_id", e.MessageID), logx.Err(err))
			}
			cancel()
		}
	}
}

func entryFrom(ev eventbus.Event) (Entry, bool) {
	if ev.Type != delivery.EventDirect && ev.Type != delivery.EventTemplate {
		return Entry{}, false
	}
	d, ok := ev.Data.(delivery.Event)
	if !ok || d.MessageID == "" || d.Address == "" {
		return Entry{}, false
	}
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	return Entry{
		MessageID:   d.MessageID,
		Address:     d.Address,
		RecipientID: d.RecipientID,
		Type:        d.Type,
		Method:      d.Method,
		SentAt:      at.UTC(),
	}, true
}
