package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"testing"

	"github.com/deskrelay/deskrelay/internal/session"
	"github.com/deskrelay/deskrelay/pkg/observability"
	"github.com/rs/zerolog"
)

func scripted(codes ...session.Code) Generator {
	var mu sync.Mutex
	i := 0
	return GeneratorFunc(func() (session.Code, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(codes) {
			return "", errors.New("script exhausted")
		}
		c := codes[i]
		i++
		return c, nil
	})
}

func TestReserveUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()
	dir := NewMemoryDirectory()
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	// 200 possible codes for 120 reservations forces plenty of collisions.
	gen := GeneratorFunc(func() (session.Code, error) {
		mu.Lock()
		defer mu.Unlock()
		return session.Code(fmt.Sprintf("%06d", rng.Intn(200))), nil
	})
	metrics := observability.NewMetrics()
	reg := New(dir, gen, 0, zerolog.Nop(), metrics)

	const n = 120
	codes := make(chan session.Code, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			code, err := reg.Reserve(context.Background())
			if err != nil {
				t.Errorf("Reserve() error = %v", err)
				return
			}
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[session.Code]bool{}
	for code := range codes {
		if seen[code] {
			t.Fatalf("code %s issued twice", code)
		}
		seen[code] = true
	}
	if len(seen) != n || dir.Len() != n {
		t.Fatalf("expected %d codes, got %d issued and %d stored", n, len(seen), dir.Len())
	}
	if metrics.CodesReserved.Load() != n {
		t.Fatalf("expected %d reservations counted, got %d", n, metrics.CodesReserved.Load())
	}
}

func TestReserveRetriesOnCollision(t *testing.T) {
	t.Parallel()
	dir := NewMemoryDirectory()
	ctx := context.Background()
	_, _ = dir.Create(ctx, Record{Code: "042913", Status: session.StatusAvailable})
	metrics := observability.NewMetrics()
	reg := New(dir, scripted("042913", "042913", "555000"), 0, zerolog.Nop(), metrics)

	code, err := reg.Reserve(ctx)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if code != "555000" {
		t.Fatalf("expected 555000, got %s", code)
	}
	if metrics.CodeCollisions.Load() != 2 {
		t.Fatalf("expected 2 collisions, got %d", metrics.CodeCollisions.Load())
	}
	rec, ok, _ := reg.Lookup(ctx, code)
	if !ok || rec.Status != session.StatusAvailable {
		t.Fatalf("expected available record, got %+v ok=%v", rec, ok)
	}
}

func TestReserveCapacityExhausted(t *testing.T) {
	t.Parallel()
	dir := NewMemoryDirectory()
	ctx := context.Background()
	_, _ = dir.Create(ctx, Record{Code: "000001"})
	gen := GeneratorFunc(func() (session.Code, error) { return "000001", nil })
	reg := New(dir, gen, 5, zerolog.Nop(), nil)

	if _, err := reg.Reserve(ctx); !errors.Is(err, session.ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := New(NewMemoryDirectory(), scripted("123456"), 0, zerolog.Nop(), nil)
	code, err := reg.Reserve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := reg.Release(ctx, code); err != nil {
			t.Fatalf("Release #%d error = %v", i+1, err)
		}
	}
	if ok, _ := reg.Exists(ctx, code); ok {
		t.Fatal("code still reserved after release")
	}
}

func TestGeneratorsProduceValidCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format  string
		length  int
		pattern string
	}{
		{"numeric", 6, `^[0-9]{6}$`},
		{"alphanumeric", 8, `^[23456789ABCDEFGHJKMNPQRSTUVWXYZ]{8}$`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.format, func(t *testing.T) {
			t.Parallel()
			gen, err := NewGenerator(tc.format, tc.length)
			if err != nil {
				t.Fatal(err)
			}
			re := regexp.MustCompile(tc.pattern)
			for i := 0; i < 200; i++ {
				code, err := gen.Next()
				if err != nil {
					t.Fatal(err)
				}
				if !re.MatchString(string(code)) {
					t.Fatalf("code %q does not match %s", code, tc.pattern)
				}
				if !ValidCode(tc.format, tc.length, code) {
					t.Fatalf("ValidCode rejected generated code %q", code)
				}
			}
		})
	}
	if _, err := NewGenerator("emoji", 6); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestValidCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code session.Code
		want bool
	}{
		{"042913", true},
		{"42913", false},
		{"04291a", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := ValidCode("numeric", 6, tc.code); got != tc.want {
			t.Fatalf("ValidCode(%q) = %v want %v", tc.code, got, tc.want)
		}
	}
}
