// Package broadcast relays committed colors to the extension PubSub endpoint so
// viewers that are not polling still see the change.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/colorwheel/internal/extauth"
	"github.com/R3E-Network/colorwheel/internal/httputil"
	"github.com/R3E-Network/colorwheel/internal/logging"
)

const (
	DefaultAPIBase   = "https://api.twitch.tv"
	DefaultCooldown  = time.Second
	DefaultTokenTTL  = time.Minute
	defaultQueueSize = 256
	sendTimeout      = 10 * time.Second
)

// Outcomes passed to Recorder.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// Recorder counts broadcast outcomes.
type Recorder interface {
	RecordBroadcast(result string)
}

// Config configures a Broadcaster.
type Config struct {
	APIBase  string
	ClientID string
	Signer   *extauth.Signer
	Logger   *logging.Logger
	Recorder Recorder // optional

	// Cooldown is the minimum interval between two messages for one channel.
	Cooldown  time.Duration
	TokenTTL  time.Duration
	QueueSize int

	HTTPClient *http.Client // optional, for tests
}

// Message is the PubSub send request body.
type Message struct {
	ContentType string   `json:"content_type"`
	Message     string   `json:"message"`
	Targets     []string `json:"targets"`
}

type colorPayload struct {
	Color string `json:"color"`
}

type update struct {
	channelID string
	hex       string
}

// Broadcaster queues color updates and sends them from a single worker, at most
// one per channel per cooldown. Updates held back by the cooldown collapse to the
// newest color.
type Broadcaster struct {
	client   *httputil.ServiceClient
	logger   *logging.Logger
	recorder Recorder
	cooldown time.Duration

	queue chan update

	// owned by the worker
	pending  map[string]string
	limiters map[string]*rate.Limiter

	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

// New validates cfg and returns a broadcaster that is not yet running.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Signer == nil {
		return nil, fmt.Errorf("broadcast: signer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("broadcast: client id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	signer := cfg.Signer
	ttl := cfg.TokenTTL
	client := httputil.NewServiceClient(httputil.ServiceClientConfig{
		BaseURL:  cfg.APIBase,
		ClientID: cfg.ClientID,
		Tokens: func(ctx context.Context) (string, error) {
			return signer.SignExternal(logging.GetChannelID(ctx), ttl)
		},
		Timeout:    sendTimeout,
		HTTPClient: cfg.HTTPClient,
	})

	return &Broadcaster{
		client:   client,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		cooldown: cfg.Cooldown,
		queue:    make(chan update, cfg.QueueSize),
		pending:  make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Enqueue schedules hex for channelID. It never blocks; when the queue is full
// the update is dropped. Its signature matches colorstore.Observer.
func (b *Broadcaster) Enqueue(channelID, hex string) {
	select {
	case b.queue <- update{channelID: channelID, hex: hex}:
	default:
		b.record(ResultDropped)
		b.logger.WithFields(map[string]interface{}{
			"channel_id": channelID,
			"color":      hex,
		}).Warn("broadcast queue full, dropping update")
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (b *Broadcaster) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run(ctx)
	})
}

// Stop signals the worker and waits for it to exit. Updates still waiting for
// their cooldown are discarded. Stop is idempotent.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

func (b *Broadcaster) run(ctx context.Context) {
	defer b.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case u := <-b.queue:
			b.pending[u.channelID] = u.hex
		case <-timer.C:
		}

		if wait := b.flush(ctx); wait > 0 {
			timer.Reset(wait)
		}
	}
}

// flush sends every pending update whose channel is off cooldown and returns
// how long until the next one is due, or 0 if nothing is waiting.
func (b *Broadcaster) flush(ctx context.Context) time.Duration {
	var next time.Duration
	for channelID, hex := range b.pending {
		now := b.now()
		lim, ok := b.limiters[channelID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(b.cooldown), 1)
			b.limiters[channelID] = lim
		}

		r := lim.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			if next == 0 || delay < next {
				next = delay
			}
			continue
		}

		delete(b.pending, channelID)
		b.send(ctx, channelID, hex)
	}

	now := b.now()
	for channelID, lim := range b.limiters {
		if _, waiting := b.pending[channelID]; !waiting && lim.TokensAt(now) >= 1 {
			delete(b.limiters, channelID)
		}
	}
	return next
}

func (b *Broadcaster) send(ctx context.Context, channelID, hex string) {
	ctx = logging.WithChannelID(ctx, channelID)
	log := b.logger.WithContext(ctx).WithField("color", hex)

	payload, err := json.Marshal(colorPayload{Color: hex})
	if err != nil {
		b.record(ResultFailed)
		log.WithError(err).Error("encode broadcast payload")
		return
	}
	msg := Message{
		ContentType: "application/json",
		Message:     string(payload),
		Targets:     []string{"broadcast"},
	}

	log.Debug("Broadcasting color")
	resp, err := b.client.Post(ctx, "/extensions/message/"+url.PathEscape(channelID), msg)
	if err == nil {
		err = httputil.DecodeResponse(resp, nil)
	}
	if err != nil {
		b.record(ResultFailed)
		log.WithError(err).Warn("broadcast failed")
		return
	}
	b.record(ResultSent)
}

func (b *Broadcaster) record(result string) {
	if b.recorder != nil {
		b.recorder.RecordBroadcast(result)
	}
}
