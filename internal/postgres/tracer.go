package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const ownPackage = "github.com/linnemanlabs/quarry/internal/postgres."

var (
	queryObserver atomic.Pointer[queryObserverHolder]

	// slowQuery is the threshold in nanoseconds below which successful queries are not logged.
	slowQuery atomic.Int64
)

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query timings. main wires it to a Prometheus histogram.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, method, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, method, route, outcome string, dur time.Duration) {
	f(ctx, method, route, outcome, dur)
}

// SetQueryObserver installs the global observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// SetSlowQueryThreshold sets how long a successful statement must take before it is logged.
// Zero logs every statement. Failed statements are always logged.
func SetSlowQueryThreshold(d time.Duration) {
	slowQuery.Store(int64(d))
}

// ReqDBStats accumulates database statistics for one request or extraction run.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	RowsCopied    int64
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single statement.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// AddCopy records a bulk copy of rows.
func (s *ReqDBStats) AddCopy(rows int64, dur time.Duration, err error) {
	s.AddQuery(dur, err)
	s.mu.Lock()
	s.RowsCopied += rows
	s.mu.Unlock()
}

type dbStatsKey struct{}

// NewReqDBStatsContext returns ctx carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the ReqDBStats attached to ctx, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

type httpMethodKey struct{}

// WithHTTPMethod stores the HTTP method for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey{}, method)
}

func httpMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(httpMethodKey{}).(string)
	return v
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// pending is what TraceQueryStart / TraceCopyFromStart hand over to the matching End call.
type pending struct {
	op      string
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

type pendingKey struct{}

// statementTracer wraps another tracer (otelpgx) with a structured log line,
// per-request stats and the query observer. Statement arguments are never logged:
// they carry narrative text and indicator values.
type statementTracer struct {
	inner pgx.QueryTracer
}

var (
	_ pgx.QueryTracer    = statementTracer{}
	_ pgx.CopyFromTracer = statementTracer{}
)

func wrapQueryTracer(inner pgx.QueryTracer) statementTracer {
	return statementTracer{inner: inner}
}

func (t statementTracer) begin(ctx context.Context, p *pending) context.Context {
	p.start = time.Now()
	p.caller, p.handler = findDBCallerAndHandler()

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 2)
		if p.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", p.caller))
		}
		if p.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", p.handler))
		}
		span.SetAttributes(attrs...)
	}
	return context.WithValue(ctx, pendingKey{}, p)
}

// TraceQueryStart implements pgx.QueryTracer.
func (t statementTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	return t.begin(ctx, &pending{op: "query", sql: data.SQL, nargs: len(data.Args)})
}

// TraceQueryEnd implements pgx.QueryTracer.
func (t statementTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	p, _ := ctx.Value(pendingKey{}).(*pending)
	if p == nil {
		return
	}
	dur := time.Since(p.start)
	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}
	t.end(ctx, p, dur, data.CommandTag, data.Err)
}

// TraceCopyFromStart implements pgx.CopyFromTracer.
func (t statementTracer) TraceCopyFromStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceCopyFromStartData) context.Context {
	if ct, ok := t.inner.(pgx.CopyFromTracer); ok {
		ctx = ct.TraceCopyFromStart(ctx, conn, data)
	}
	return t.begin(ctx, &pending{op: "copy", sql: "COPY " + data.TableName.Sanitize()})
}

// TraceCopyFromEnd implements pgx.CopyFromTracer.
func (t statementTracer) TraceCopyFromEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceCopyFromEndData) {
	if ct, ok := t.inner.(pgx.CopyFromTracer); ok {
		ct.TraceCopyFromEnd(ctx, conn, data)
	}
	p, _ := ctx.Value(pendingKey{}).(*pending)
	if p == nil {
		return
	}
	dur := time.Since(p.start)
	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddCopy(data.CommandTag.RowsAffected(), dur, data.Err)
	}
	t.end(ctx, p, dur, data.CommandTag, data.Err)
}

func (t statementTracer) end(ctx context.Context, p *pending, dur time.Duration, tag pgconn.CommandTag, err error) {
	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, labelOr(httpMethodFromContext(ctx), "NONE"), labelOr(routePatternFromContext(ctx), "none"), outcome(err), dur)
	}

	if err == nil && dur < time.Duration(slowQuery.Load()) {
		return
	}

	fields := []any{
		"db.statement", p.sql,
		"db.args", p.nargs,
		"db.duration", dur.Seconds(),
		"db.kind", p.op,
	}
	if s := strings.TrimSpace(tag.String()); s != "" {
		fields = append(fields, "db.operation.name", strings.ToUpper(strings.Fields(s)[0]), "db.rows", tag.RowsAffected())
	}
	if p.caller != "" {
		fields = append(fields, "db.caller", p.caller)
	}
	if p.handler != "" {
		fields = append(fields, "db.handler", p.handler)
	}

	L := log.FromContext(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, err, "db statement failed", fields...)
		return
	}
	L.Info(ctx, "db statement", fields...)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func labelOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method issuing the statement
//   - handler: the next frame above it outside this package (service or API handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if !skipFrame(fn) {
			if caller == "" {
				caller = shortenFuncName(fn)
			} else if !strings.HasPrefix(fn, ownPackage) {
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func skipFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.HasPrefix(fn, ownPackage+"statementTracer")
}

// shortenFuncName drops the import path and package name, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
