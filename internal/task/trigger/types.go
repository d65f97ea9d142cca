package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pewflow/internal/task/engine"
	logx "pewflow/pkg/logx"
)

const (
	DefaultMaxPoll = time.Minute
	MinPoll        = time.Second
)

// Config controls the poller.
type Config struct {
	Enabled bool
	// MaxPoll caps the poll interval of long periods. 0 means DefaultMaxPoll.
	MaxPoll time.Duration
	// Spread delays the first poll of every entry by a random offset so
	// workflows registered together do not tick in lockstep.
	Spread bool
}

func (c Config) maxPoll() time.Duration {
	if c.MaxPoll <= 0 {
		return DefaultMaxPoll
	}
	return c.MaxPoll
}

// Ticker is the engine surface the poller drives.
type Ticker interface {
	TickWorkflow(ctx context.Context, id string, now time.Time) (engine.TickReport, error)
}

type watchDef struct {
	id      string
	period  time.Duration
	every   time.Duration
	spread  time.Duration
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	ticker Ticker
	now    func() time.Time

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	watches map[string]*watchDef

	// Tick error throttling: key is workflow id.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

// Entry describes one poll entry.
type Entry struct {
	WorkflowID string
	Period     time.Duration
	Every      time.Duration
	Spread     time.Duration
	Next       time.Time
	Prev       time.Time
}
