package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/events"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/metrics"
)

// DefaultSlowThreshold is when a running query is reported as slow.
const DefaultSlowThreshold = 15 * time.Second

// DefaultSchemaMajorVersion selects the current page context stripping rules.
const DefaultSchemaMajorVersion = 4

// Artifacts is the durable output the runner writes to.
type Artifacts interface {
	PageDataExists(pagePath string) (bool, error)
	SavePageQueryResult(pagePath string, result []byte) error
	WriteStaticQueryResult(hash string, result []byte) error
	AddPending(ctx context.Context, pagePath string) error
}

// Clock is the time source behind the slow-query alarm and run durations.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Alarm
}

// Alarm is a pending AfterFunc call.
type Alarm interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Alarm { return time.AfterFunc(d, f) }

// Publisher receives data-layer events.
type Publisher interface {
	Publish(events.Event)
}

// Outcome describes a finished job.
type Outcome struct {
	Result  Result
	Hash    string
	Written bool
}

// Runner executes query jobs for one worker.
type Runner struct {
	exec      Executor
	hashes    *cache.Cache[string]
	artifacts Artifacts

	pub           Publisher
	clock         Clock
	metrics       *metrics.Metrics
	logger        *slog.Logger
	slowThreshold time.Duration
	schemaMajor   int
}

// Option configures a Runner.
type Option func(*Runner)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(r *Runner) { r.pub = p } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(r *Runner) { r.clock = c } }

// WithSlowThreshold overrides DefaultSlowThreshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.slowThreshold = d
		}
	}
}

// WithSchemaMajorVersion overrides DefaultSchemaMajorVersion.
func WithSchemaMajorVersion(v int) Option {
	return func(r *Runner) { r.schemaMajor = v }
}

// NewRunner creates a runner. hashes is the worker's result hash cache.
func NewRunner(exec Executor, hashes *cache.Cache[string], artifacts Artifacts, opts ...Option) *Runner {
	r := &Runner{
		exec:          exec,
		hashes:        hashes,
		artifacts:     artifacts,
		clock:         systemClock{},
		slowThreshold: DefaultSlowThreshold,
		schemaMajor:   DefaultSchemaMajorVersion,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Or(r.logger)
	return r
}

func (r *Runner) publish(typ string, data any) {
	if r.pub != nil {
		r.pub.Publish(events.Event{Type: typ, Data: data})
	}
}

// Run executes job. A query that reports errors fails with a *BuildError;
// store and artifact I/O errors are returned wrapped.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	began := r.clock.Now()
	r.publish(events.TypeQueryStart, events.QueryStart{
		Path:          job.ID,
		ComponentPath: job.ComponentPath,
		IsPage:        job.IsPage,
	})

	var (
		out Outcome
		err error
	)
	if strings.TrimSpace(job.Query) == "" {
		out, err = r.finishEmpty(job)
	} else {
		out, err = r.run(ctx, job)
	}
	if err != nil {
		r.metrics.QueryRun(metrics.OutcomeFailed, r.clock.Now().Sub(began))
		return out, err
	}

	switch {
	case strings.TrimSpace(job.Query) == "":
		r.metrics.QueryRun(metrics.OutcomeEmpty, r.clock.Now().Sub(began))
	case out.Written:
		r.metrics.QueryRun(metrics.OutcomeWritten, r.clock.Now().Sub(began))
	default:
		r.metrics.QueryRun(metrics.OutcomeUnchanged, r.clock.Now().Sub(began))
	}

	r.publish(events.TypeQueryRan, events.QueryRan{
		Path:          job.ID,
		ComponentPath: job.ComponentPath,
		IsPage:        job.IsPage,
		ResultHash:    out.Hash,
		QueryHash:     job.Hash,
	})
	return out, nil
}

// finishEmpty handles a job without query text: nothing is compared or written.
func (r *Runner) finishEmpty(job Job) (Outcome, error) {
	hash, _, err := hashResult(Result{})
	if err != nil {
		return Outcome{}, fmt.Errorf("query %s: %w", job.ID, err)
	}
	return Outcome{Hash: hash}, nil
}

func (r *Runner) run(ctx context.Context, job Job) (Outcome, error) {
	resp, err := r.execute(ctx, job)
	if err != nil {
		be := newBuildError(job, []Error{{Message: err.Error()}})
		be.Cause = err
		return Outcome{}, be
	}
	if len(resp.Errors) > 0 {
		return Outcome{}, newBuildError(job, resp.Errors)
	}

	res := Result{Data: resp.Data, PageContext: resp.PageContext}
	if job.IsPage {
		res.PageContext = maps.Clone(job.Context)
	}
	res.PageContext = stripPageContext(res.PageContext, r.schemaMajor)

	hash, body, err := hashResult(res)
	if err != nil {
		return Outcome{}, fmt.Errorf("query %s: %w", job.ID, err)
	}
	out := Outcome{Result: res, Hash: hash}

	write, err := r.needsWrite(ctx, job, hash)
	if err != nil {
		return out, err
	}
	if !write {
		return out, nil
	}

	if job.IsPage {
		if err := r.artifacts.SavePageQueryResult(job.ID, body); err != nil {
			return out, fmt.Errorf("query %s: %w", job.ID, err)
		}
		if err := r.artifacts.AddPending(ctx, job.ID); err != nil {
			return out, fmt.Errorf("query %s: %w", job.ID, err)
		}
		r.publish(events.TypePendingPageDataWrite, events.PendingPageDataWrite{Path: job.ID})
	} else {
		if err := r.artifacts.WriteStaticQueryResult(staticHash(job), body); err != nil {
			return out, fmt.Errorf("query %s: %w", job.ID, err)
		}
	}
	// Only a written artifact may be recorded.
	if _, err := r.hashes.Set(ctx, job.ID, hash); err != nil {
		return out, fmt.Errorf("query %s: store result hash: %w", job.ID, err)
	}
	out.Written = true
	r.logger.Debug("query: result written",
		slog.String("id", job.ID),
		slog.Bool("is_page", job.IsPage),
		slog.String("hash", hash))
	return out, nil
}

func (r *Runner) needsWrite(ctx context.Context, job Job, hash string) (bool, error) {
	prev, ok, err := r.hashes.Get(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("query %s: load result hash: %w", job.ID, err)
	}
	if !ok || prev != hash {
		return true, nil
	}
	if !job.IsPage {
		return false, nil
	}
	exists, err := r.artifacts.PageDataExists(job.ID)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", job.ID, err)
	}
	return !exists, nil
}

// execute runs the query with the slow-query alarm armed.
func (r *Runner) execute(ctx context.Context, job Job) (Response, error) {
	alarm := r.clock.AfterFunc(r.slowThreshold, func() { r.reportSlow(job) })
	defer alarm.Stop()
	return r.exec.Execute(ctx, job.Query, job.Context, ExecOptions{
		QueryName:     job.ID,
		ComponentPath: job.ComponentPath,
	})
}

func (r *Runner) reportSlow(job Job) {
	attrs := []any{
		slog.String("file_path", job.ComponentPath),
		slog.Duration("threshold", r.slowThreshold),
	}
	if job.IsPage {
		if p, ok := job.Context["path"].(string); ok {
			attrs = append(attrs, slog.String("url_path", p))
		}
		if c, ok := job.Context["context"].(map[string]any); ok && len(c) > 0 {
			attrs = append(attrs, slog.Any("context", c))
		}
	}
	r.logger.Warn(fmt.Sprintf("This query took more than %s to run, which is unusually long and might indicate you're querying too much or have some unoptimized code", r.slowThreshold), attrs...)
}

// RunAll runs jobs with at most concurrency in flight. The first failure
// cancels the remaining jobs.
func (r *Runner) RunAll(ctx context.Context, jobs []Job, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := r.Run(gctx, job)
			return err
		})
	}
	return g.Wait()
}

func hashResult(res Result) (string, []byte, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return "", nil, fmt.Errorf("encode result: %w", err)
	}
	return checksum.ResultHash(body), body, nil
}

func staticHash(job Job) string {
	if job.Hash != "" {
		return job.Hash
	}
	return checksum.PathHash(job.ID)
}
