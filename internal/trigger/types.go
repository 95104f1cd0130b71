package trigger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "tickwork/pkg/logx"
)

// Target receives fired jobs. *scheduler.Scheduler satisfies it.
type Target interface {
	AddOnce(name string, task func()) bool
}

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Kind is the registered form of a schedule.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOnce     Kind = "once"
)

type fireStats struct {
	fires     atomic.Uint64
	coalesced atomic.Uint64
	lastNano  atomic.Int64
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	kind          Kind
	job           func()
	entryID       cron.EntryID
	startupSpread time.Duration
	stats         *fireStats
}

type onceDef struct {
	at    time.Time
	job   func()
	ver   uint64
	stats *fireStats
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	target Target

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// one-shot timers; definitions survive Stop and are re-armed by Start.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	once   map[string]*onceDef

	coalesceMu  sync.Mutex
	coalesceLog map[string]*rate.Sometimes

	fires     atomic.Uint64
	coalesced atomic.Uint64
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Kind          Kind
	Next          time.Time
	Prev          time.Time
	StartupSpread time.Duration
	Fires         uint64
	Coalesced     uint64
	LastFire      time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Fires     uint64
	Coalesced uint64
	Schedules []ScheduleInfo
}
