package commutation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bldc-current-sense/currentsense"
	"bldc-current-sense/drv8301"
)

// recorder collects the calls made on every fake peripheral in one ordered log.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeGateDriver struct {
	rec      *recorder
	name     string
	written  drv8301.RegisterImage
	readBack func(drv8301.RegisterImage) drv8301.RegisterImage
	writeErr error
}

func (g *fakeGateDriver) Enable(ctx context.Context) error {
	g.rec.add("%s.enable", g.name)
	return nil
}

func (g *fakeGateDriver) WriteConfig(ctx context.Context, img drv8301.RegisterImage) error {
	g.rec.add("%s.write_config", g.name)
	g.written = img
	return g.writeErr
}

func (g *fakeGateDriver) ReadConfig(ctx context.Context) (drv8301.RegisterImage, error) {
	g.rec.add("%s.read_config", g.name)
	if g.readBack != nil {
		return g.readBack(g.written), nil
	}
	return g.written, nil
}

type fakeConversions struct {
	rec     *recorder
	handler ConversionHandler
}

func (c *fakeConversions) SetHandler(h ConversionHandler) {
	c.rec.add("conv.set_handler")
	c.handler = h
}

func (c *fakeConversions) Enable(ctx context.Context, ch currentsense.ChannelID) error {
	c.rec.add("conv.enable(%d)", ch)
	return nil
}

func (c *fakeConversions) EnableInterrupt(ctx context.Context, ch currentsense.ChannelID) error {
	c.rec.add("conv.enable_interrupt(%d)", ch)
	return nil
}

func (c *fakeConversions) DisableInterrupt(ctx context.Context, ch currentsense.ChannelID) error {
	c.rec.add("conv.disable_interrupt(%d)", ch)
	return nil
}

type fakePWM struct {
	rec    *recorder
	name   string
	period uint32

	mu      sync.Mutex
	compare map[PWMChannel]uint32
	failSet error
}

func newFakePWM(rec *recorder, name string, period uint32) *fakePWM {
	return &fakePWM{rec: rec, name: name, period: period, compare: map[PWMChannel]uint32{}}
}

func (p *fakePWM) Period() uint32 {
	return p.period
}

func (p *fakePWM) SetCompare(ctx context.Context, ch PWMChannel, value uint32) error {
	p.rec.add("%s.set_compare(%d,%d)", p.name, ch, value)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSet != nil {
		return p.failSet
	}
	p.compare[ch] = value
	return nil
}

func (p *fakePWM) Start(ctx context.Context, ch PWMChannel) error {
	p.rec.add("%s.start(%d)", p.name, ch)
	return nil
}

func (p *fakePWM) Stop(ctx context.Context, ch PWMChannel) error {
	p.rec.add("%s.stop(%d)", p.name, ch)
	return nil
}

func (p *fakePWM) FreezeOnDebug(ctx context.Context) error {
	p.rec.add("%s.freeze_on_debug", p.name)
	return nil
}

func (p *fakePWM) duties() (uint32, uint32, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.compare[ChannelPhaseA], p.compare[ChannelPhaseB], p.compare[ChannelPhaseC]
}

type fakeDelayer struct {
	rec *recorder
}

func (d fakeDelayer) Delay(ctx context.Context, dur time.Duration) error {
	d.rec.add("delay(%v)", dur)
	return nil
}
