// Package channeltest provides an in-memory channel.Sender for tests.
package channeltest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"salesops/internal/channel"
)

const (
	KindDirect   = "direct"
	KindTemplate = "template"
)

type Call struct {
	Kind     string
	Address  string
	Text     string
	Template string
	Locale   string
	Params   []string
}

// Recorder records every send and fails on demand.
type Recorder struct {
	mu          sync.Mutex
	calls       []Call
	seq         int
	directErr   error
	templateErr error
	failAddr    map[string]error
	delay       time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{failAddr: map[string]error{}}
}

func (r *Recorder) SetDirectErr(err error) {
	r.mu.Lock()
	r.directErr = err
	r.mu.Unlock()
}

func (r *Recorder) SetTemplateErr(err error) {
	r.mu.Lock()
	r.templateErr = err
	r.mu.Unlock()
}

// FailAddress makes every send to address fail with err. A nil err clears it.
func (r *Recorder) FailAddress(address string, err error) {
	r.mu.Lock()
	if err == nil {
		delete(r.failAddr, address)
	} else {
		r.failAddr[address] = err
	}
	r.mu.Unlock()
}

// SetDelay makes every send block for d or until its context ends.
func (r *Recorder) SetDelay(d time.Duration) {
	r.mu.Lock()
	r.delay = d
	r.mu.Unlock()
}

func (r *Recorder) SendDirect(ctx context.Context, address, text string) (channel.Ref, error) {
	return r.record(ctx, Call{Kind: KindDirect, Address: address, Text: text})
}

func (r *Recorder) SendTemplate(ctx context.Context, address, template, locale string, params []string) (channel.Ref, error) {
	return r.record(ctx, Call{
		Kind: KindTemplate, Address: address, Template: template, Locale: locale,
		Params: append([]string(nil), params...),
	})
}

func (r *Recorder) record(ctx context.Context, c Call) (channel.Ref, error) {
	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return channel.Ref{}, ctx.Err()
		case <-t.C:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failAddr[c.Address]; ok {
		return channel.Ref{}, err
	}
	if c.Kind == KindDirect && r.directErr != nil {
		return channel.Ref{}, r.directErr
	}
	if c.Kind == KindTemplate && r.templateErr != nil {
		return channel.Ref{}, r.templateErr
	}
	r.seq++
	r.calls = append(r.calls, c)
	return channel.Ref{Address: c.Address, MessageID: "m" + strconv.Itoa(r.seq)}, nil
}

// Calls returns the successful sends in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo filters Calls by address.
func (r *Recorder) CallsTo(address string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Address == address {
			out = append(out, c)
		}
	}
	return out
}
