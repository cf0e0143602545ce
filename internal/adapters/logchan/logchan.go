// Package logchan is a dry-run channel: outbound messages are logged and
// acknowledged, inbound traffic never arrives.
package logchan

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"salesops/internal/channel"
	"salesops/pkg/logx"
)

type Channel struct {
	log logx.Logger
	seq atomic.Uint64
}

func New(log logx.Logger) *Channel {
	return &Channel{log: log.With(logx.String("comp", "logchan"))}
}

func (c *Channel) SendDirect(ctx context.Context, address, text string) (channel.Ref, error) {
	if err := ctx.Err(); err != nil {
		return channel.Ref{}, err
	}
	ref := c.next(address)
	c.log.Info("direct message", logx.String("to", address), logx.String("id", ref.MessageID), logx.String("text", text))
	return ref, nil
}

func (c *Channel) SendTemplate(ctx context.Context, address, template, locale string, params []string) (channel.Ref, error) {
	if err := ctx.Err(); err != nil {
		return channel.Ref{}, err
	}
	ref := c.next(address)
	c.log.Info("template message",
		logx.String("to", address),
		logx.String("id", ref.MessageID),
		logx.String("template", template+"/"+locale),
		logx.String("params", strings.Join(params, "|")),
	)
	return ref, nil
}

func (c *Channel) Start(ctx context.Context, out chan<- channel.Inbound) error { return nil }

func (c *Channel) Stop(ctx context.Context) error { return nil }

func (c *Channel) next(address string) channel.Ref {
	return channel.Ref{Address: address, MessageID: "log-" + strconv.FormatUint(c.seq.Add(1), 10)}
}
