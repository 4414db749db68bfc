// Package host runs the consumer loop that owns every map handout. Other
// goroutines (HTTP, WebSocket) reach it through request channels.
package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/persistence/record"
)

var (
	ErrLoopStopped = errors.New("host: loop stopped")
	ErrNotCached   = errors.New("host: no cached map")
)

// Cache is the part of the coordinator the loop reads.
type Cache interface {
	Get(world, typ string) (*record.Entry, bool)
	GetRandomCached(world string) (*record.Entry, bool)
	RegenerateAsync(world, typ string) bool
}

type Request struct {
	Recipient string
	World     string
	Type      string
	// Fresh renders a new map at Level instead of handing out a cached one.
	Fresh bool
	Level issue.ScaleLevel
}

type Result struct {
	Request  Request
	Artifact issue.Artifact
	Delivery issue.Delivery
	Cached   bool
}

type Options struct {
	Cache  Cache
	Issuer *issue.Issuer
	// Fresh is optional; without it fresh requests fail.
	Fresh *issue.Fresh
	// RefreshAfterIssue regenerates a key once its cached map is handed out.
	RefreshAfterIssue bool
	// OnIssued runs on the loop after every successful handout.
	OnIssued func(Result)
	Logger   *log.Logger
	Backlog  int
}

type issueReq struct {
	req  Request
	resp chan issueResp
}

type issueResp struct {
	res Result
	err error
}

type Loop struct {
	cache    Cache
	issuer   *issue.Issuer
	fresh    *issue.Fresh
	refresh  bool
	onIssued func(Result)
	logger   *log.Logger

	issue    chan issueReq
	post     chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewLoop(opts Options) *Loop {
	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 256
	}
	l := &Loop{
		cache:    opts.Cache,
		issuer:   opts.Issuer,
		fresh:    opts.Fresh,
		refresh:  opts.RefreshAfterIssue,
		onIssued: opts.OnIssued,
		logger:   opts.Logger,
		issue:    make(chan issueReq, backlog),
		post:     make(chan func(), backlog),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if l.fresh != nil && l.fresh.Post == nil {
		l.fresh.Post = l.Post
	}
	return l
}

// Run drains requests until ctx ends or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case r := <-l.issue:
			l.handleIssue(r)
		case fn := <-l.post:
			fn()
		}
	}
}

func (l *Loop) Stop() { l.stopOnce.Do(func() { close(l.stop) }) }

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stop:
		return ErrLoopStopped
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.post <- fn:
		return nil
	case <-l.stop:
		return ErrLoopStopped
	case <-l.done:
		return ErrLoopStopped
	}
}

// Issue asks the loop to hand a map to req.Recipient and waits for the
// outcome. It is safe to call from any goroutine.
func (l *Loop) Issue(ctx context.Context, req Request) (Result, error) {
	r := issueReq{req: req, resp: make(chan issueResp, 1)}
	select {
	case l.issue <- r:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-l.stop:
		return Result{}, ErrLoopStopped
	case <-l.done:
		return Result{}, ErrLoopStopped
	}
	select {
	case out := <-r.resp:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-l.done:
		// Fresh renders may still answer after the loop ends.
		select {
		case out := <-r.resp:
			return out.res, out.err
		default:
			return Result{}, ErrLoopStopped
		}
	}
}

func (l *Loop) handleIssue(r issueReq) {
	reply := func(res Result, err error) {
		if err == nil && l.onIssued != nil {
			l.onIssued(res)
		}
		select {
		case r.resp <- issueResp{res: res, err: err}:
		default:
		}
	}

	req := r.req
	if req.Fresh {
		if l.fresh == nil {
			reply(Result{Request: req}, fmt.Errorf("host: fresh maps disabled"))
			return
		}
		l.fresh.Issue(issue.Request{World: req.World, Recipient: req.Recipient, Type: req.Type, Level: req.Level},
			func(a issue.Artifact, d issue.Delivery, err error) {
				reply(Result{Request: req, Artifact: a, Delivery: d}, err)
			})
		return
	}

	var (
		e  *record.Entry
		ok bool
	)
	if req.Type != "" {
		e, ok = l.cache.Get(req.World, req.Type)
	} else {
		e, ok = l.cache.GetRandomCached(req.World)
	}
	if !ok {
		if req.Type != "" {
			l.cache.RegenerateAsync(req.World, req.Type)
		}
		reply(Result{Request: req}, fmt.Errorf("%w: world=%s type=%q", ErrNotCached, req.World, req.Type))
		return
	}

	a, d, err := l.issuer.Issue(req.Recipient, e)
	if err != nil {
		l.printf("warn: issue failed recipient=%s world=%s err=%v", req.Recipient, req.World, err)
		reply(Result{Request: req}, err)
		return
	}
	if l.refresh {
		l.cache.RegenerateAsync(e.POI.World, e.POI.Type)
	}
	reply(Result{Request: req, Artifact: a, Delivery: d, Cached: true}, nil)
}

func (l *Loop) printf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}
