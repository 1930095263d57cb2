package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/quarry/internal/cases/pgstore.(*Store).GetCase", "(*Store).GetCase"},
		{"already short", "(*Store).GetCase", "GetCase"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).PutRun", "(*Store).PutRun"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSkipFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"runtime.goexit", true},
		{"github.com/jackc/pgx/v5.(*Conn).Query", true},
		{"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart", true},
		{ownPackage + "statementTracer.begin", true},
		{"github.com/linnemanlabs/quarry/internal/cases/pgstore.(*Store).GetCase", false},
		{ownPackage + "NewPool", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := skipFrame(tt.fn); got != tt.want {
			t.Errorf("skipFrame(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestReqDBStats(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}
	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddCopy(42, 5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
	if s.RowsCopied != 42 {
		t.Errorf("RowsCopied = %d, want 42", s.RowsCopied)
	}
}

func TestReqDBStatsContext(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("expected stats on context")
	}
	got.AddQuery(time.Millisecond, nil)
	again, _ := ReqDBStatsFromContext(ctx)
	if again.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", again.QueryCount)
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "POST")); got != "POST" {
		t.Errorf("method = %q, want POST", got)
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("method = %q, want empty", got)
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("boom"), "error"},
		{fmt.Errorf("query: %w", context.Canceled), "canceled"},
		{context.DeadlineExceeded, "canceled"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type observed struct {
	method, route, outcome string
}

// The observer is global, so these run sequentially.
func TestStatementTracer_Query(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []observed
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, observed{method, route, outcome})
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	tr := wrapQueryTracer(nil)
	ctx := NewReqDBStatsContext(WithHTTPMethod(context.Background(), "GET"))

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{"secret"}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("syntax error")})

	stats, _ := ReqDBStatsFromContext(ctx)
	if stats.QueryCount != 2 || stats.ErrorCount != 1 {
		t.Errorf("stats = %d queries / %d errors, want 2/1", stats.QueryCount, stats.ErrorCount)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []observed{{"GET", "none", "ok"}, {"GET", "none", "error"}}
	if len(seen) != len(want) {
		t.Fatalf("observed %d statements, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("observation %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestStatementTracer_CopyFrom(t *testing.T) {
	tr := wrapQueryTracer(nil)
	ctx := NewReqDBStatsContext(context.Background())

	cctx := tr.TraceCopyFromStart(ctx, nil, pgx.TraceCopyFromStartData{
		TableName:   pgx.Identifier{"host_ioc"},
		ColumnNames: []string{"case_id"},
	})
	p, _ := cctx.Value(pendingKey{}).(*pending)
	if p == nil || p.sql != `COPY "host_ioc"` {
		t.Fatalf("pending = %+v", p)
	}
	tr.TraceCopyFromEnd(cctx, nil, pgx.TraceCopyFromEndData{CommandTag: pgconn.NewCommandTag("COPY 7")})

	stats, _ := ReqDBStatsFromContext(ctx)
	if stats.RowsCopied != 7 {
		t.Errorf("RowsCopied = %d, want 7", stats.RowsCopied)
	}
}

func TestStatementTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	// must not panic when the context carries no pending statement
	tr := wrapQueryTracer(nil)
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	tr.TraceCopyFromEnd(context.Background(), nil, pgx.TraceCopyFromEndData{})
}
