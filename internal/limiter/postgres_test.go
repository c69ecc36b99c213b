package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	qrErr         error
	qrBlockedTill time.Time
	qrFailsRet    int

	lastExecSQL  string
	lastExecArgs []any
	execErr      error
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastExecSQL = sql
	f.lastExecArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "SELECT blocked_until"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*time.Time)) = f.qrBlockedTill
			return nil
		}}
	case strings.Contains(sql, "RETURNING fail_count"):
		return fakeRow{scan: func(dest ...any) error {
			if f.qrErr != nil {
				return f.qrErr
			}
			*(dest[0].(*int)) = f.qrFailsRet
			return nil
		}}
	default:
		return fakeRow{scan: func(...any) error { return errors.New("unexpected query") }}
	}
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(fp *fakePool, maxFails int, blockFor time.Duration) *PG {
	l := NewPG(fp, 5*time.Minute, maxFails, blockFor)
	l.now = func() time.Time { return fixedNow }
	return l
}

func TestAllow_NoRow_Allows(t *testing.T) {
	l := newLimiter(&fakePool{qrErr: pgx.ErrNoRows}, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), "conv", []byte("h"))
	if err != nil || !ok || dur != 0 {
		t.Fatalf("Allow no-row: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_BlockedUntilFuture(t *testing.T) {
	l := newLimiter(&fakePool{qrBlockedTill: fixedNow.Add(10 * time.Minute)}, 5, 15*time.Minute)

	ok, dur, err := l.Allow(context.Background(), "conv", []byte("h"))
	if err != nil || ok || dur != 10*time.Minute {
		t.Fatalf("Allow blocked: ok=%v dur=%v err=%v", ok, dur, err)
	}
}

func TestAllow_PastOrEpoch_Allows(t *testing.T) {
	for _, till := range []time.Time{fixedNow.Add(-time.Minute), time.Unix(0, 0)} {
		l := newLimiter(&fakePool{qrBlockedTill: till}, 5, 15*time.Minute)
		ok, dur, err := l.Allow(context.Background(), "conv", []byte("h"))
		if err != nil || !ok || dur != 0 {
			t.Fatalf("Allow %v: ok=%v dur=%v err=%v", till, ok, dur, err)
		}
	}
}

func TestAllow_DBError_Propagates(t *testing.T) {
	l := newLimiter(&fakePool{qrErr: errors.New("db boom")}, 5, 15*time.Minute)

	ok, _, err := l.Allow(context.Background(), "conv", []byte("h"))
	if err == nil || ok {
		t.Fatalf("want error propagate, got ok=%v err=%v", ok, err)
	}
}

func TestSuccess(t *testing.T) {
	fp := &fakePool{}
	l := newLimiter(fp, 5, 15*time.Minute)
	if err := l.Success(context.Background(), "conv", []byte("h")); err != nil {
		t.Fatalf("success err: %v", err)
	}
	if !strings.Contains(fp.lastExecSQL, "INSERT INTO auth_limiter") {
		t.Fatalf("unexpected exec: %s", fp.lastExecSQL)
	}

	fp.execErr = errors.New("exec fail")
	if err := l.Success(context.Background(), "conv", []byte("h")); err == nil {
		t.Fatalf("want exec error")
	}
}

func TestFailure_Increments_NoBlock(t *testing.T) {
	fp := &fakePool{qrFailsRet: 2}
	l := newLimiter(fp, 5, 15*time.Minute)

	blocked, dur, err := l.Failure(context.Background(), "conv", []byte("h"))
	if err != nil || blocked || dur != 0 {
		t.Fatalf("Failure no block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if fp.lastExecSQL != "" {
		t.Fatalf("no block expected, exec=%s", fp.lastExecSQL)
	}
}

func TestFailure_BlocksAtThreshold(t *testing.T) {
	fp := &fakePool{qrFailsRet: 5}
	l := newLimiter(fp, 5, 10*time.Minute)

	blocked, dur, err := l.Failure(context.Background(), "conv", []byte("h"))
	if err != nil || !blocked || dur != 10*time.Minute {
		t.Fatalf("Failure block: blocked=%v dur=%v err=%v", blocked, dur, err)
	}
	if !strings.Contains(fp.lastExecSQL, "UPDATE auth_limiter SET blocked_until") {
		t.Fatalf("must update blocked_until, exec=%s", fp.lastExecSQL)
	}
	if until := fp.lastExecArgs[2].(time.Time); !until.Equal(fixedNow.Add(10 * time.Minute)) {
		t.Fatalf("blocked_until=%v", until)
	}
}

func TestFailure_DBErrorOnReturning(t *testing.T) {
	l := newLimiter(&fakePool{qrErr: errors.New("query error")}, 5, 10*time.Minute)

	if _, _, err := l.Failure(context.Background(), "conv", []byte("h")); err == nil {
		t.Fatalf("want error from returning fail_count")
	}
}

func TestHashIP_Determinism(t *testing.T) {
	a := HashIP("1.2.3.4:123")
	b := HashIP("1.2.3.4:123")
	c := HashIP("5.6.7.8:321")
	if string(a) != string(b) || string(a) == string(c) || len(a) != 32 {
		t.Fatalf("hash mismatch/len: %d", len(a))
	}
}
