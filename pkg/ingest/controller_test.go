package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"agency/models"
)

func testLimits() Limits {
	return Limits{
		MaxChunks:       100,
		MaxTotalBytes:   1 << 30,
		OpenTTL:         time.Hour,
		MaxOpenPerOwner: 5,
	}
}

func newTestController(t *testing.T) (*Controller, *ChunkStore, *Registry, *SubmissionStore) {
	t.Helper()
	store, reg, subs := newTestStack(t)
	ctrl := NewController(store, reg, subs, LogSink{}, testLimits())
	return ctrl, store, reg, subs
}

var alice = Principal{Username: "alice"}
var bob = Principal{Username: "bob"}

func TestControllerHappyPathOutOfOrder(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	res, err := ctrl.Init(ctx, alice, InitRequest{
		FileName:       "audition.mp4",
		ContentType:    "video/mp4",
		TotalSize:      60,
		ExpectedChunks: 3,
		DisplayName:    "Alice A",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if res.UploadID == "" || res.SubmissionID == "" {
		t.Fatalf("ids not assigned: %+v", res)
	}

	// 10/20/30 bytes, uploaded out of order
	chunks := map[int][]byte{0: bytesOf('A', 10), 1: bytesOf('B', 20), 2: bytesOf('C', 30)}
	for _, idx := range []int{0, 2, 1} {
		if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, idx, chunks[idx]); err != nil {
			t.Fatalf("put %d: %v", idx, err)
		}
	}

	done, err := ctrl.Complete(ctx, alice, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.AssembledSize != 60 {
		t.Fatalf("assembled size = %d, want 60", done.AssembledSize)
	}
	if done.SubmissionID != res.SubmissionID {
		t.Fatalf("submission id %s != reserved %s", done.SubmissionID, res.SubmissionID)
	}

	// the assembled stream is the exact concatenation
	rc, err := store.OpenSequential(res.UploadID, 0, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	want := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("assembled bytes differ")
	}
}

func TestControllerSingleChunkUpload(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	res, err := ctrl.Init(ctx, alice, InitRequest{FileName: "one.mp4", ExpectedChunks: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 0, []byte("solo")); err != nil {
		t.Fatalf("put: %v", err)
	}
	done, err := ctrl.Complete(ctx, alice, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.AssembledSize != 4 {
		t.Fatalf("assembled size = %d", done.AssembledSize)
	}
}

func TestControllerDoubleCompleteIdempotent(t *testing.T) {
	ctrl, _, _, subs := newTestController(t)
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 1})
	if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 0, bytesOf('z', 16)); err != nil {
		t.Fatalf("put: %v", err)
	}
	first, err := ctrl.Complete(ctx, alice, res.UploadID)
	if err != nil {
		t.Fatalf("first complete: %v", err)
	}
	second, err := ctrl.Complete(ctx, alice, res.UploadID)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if first.SubmissionID != second.SubmissionID {
		t.Fatalf("complete not idempotent: %s vs %s", first.SubmissionID, second.SubmissionID)
	}
	// exactly one submission exists for the upload
	var n int64
	subs.db.Model(&models.Submission{}).Where("upload_id = ?", res.UploadID).Count(&n)
	if n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
}

func TestControllerCompleteWithGapsListsMissing(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 3})
	if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 1, bytesOf('m', 8)); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := ctrl.Complete(ctx, alice, res.UploadID)
	var missing *MissingChunksError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingChunksError, got %v", err)
	}
	if len(missing.Missing) != 2 || missing.Missing[0] != 0 || missing.Missing[1] != 2 {
		t.Fatalf("wrong missing list: %v", missing.Missing)
	}
	// fill the gaps and retry
	for _, idx := range []int{0, 2} {
		if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, idx, bytesOf('m', 8)); err != nil {
			t.Fatalf("put %d: %v", idx, err)
		}
	}
	if _, err := ctrl.Complete(ctx, alice, res.UploadID); err != nil {
		t.Fatalf("retry complete: %v", err)
	}
}

func TestControllerSizeMismatchLeavesSealing(t *testing.T) {
	ctrl, _, reg, _ := newTestController(t)
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", TotalSize: 100, ExpectedChunks: 2})
	for i := 0; i < 2; i++ {
		if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, i, bytesOf('s', 40)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	_, err := ctrl.Complete(ctx, alice, res.UploadID)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	up, _ := reg.Get(ctx, res.UploadID)
	if up.State != models.UploadSealing {
		t.Fatalf("expected SEALING after mismatch, got %s", up.State)
	}
	// the client can still abort
	if err := ctrl.Abort(ctx, alice, res.UploadID); err != nil {
		t.Fatalf("abort after mismatch: %v", err)
	}
	up, _ = reg.Get(ctx, res.UploadID)
	if up.State != models.UploadAborted {
		t.Fatalf("expected ABORTED, got %s", up.State)
	}
}

func TestControllerRetryConflictKeepsFirstBytes(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 2})
	if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 1, bytesOf('X', 20)); err != nil {
		t.Fatalf("first put: %v", err)
	}
	_, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 1, bytesOf('Y', 20))
	if !errors.Is(err, ErrChunkConflict) {
		t.Fatalf("expected ErrChunkConflict, got %v", err)
	}
	data, err := store.Read(ctx, res.UploadID, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, bytesOf('X', 20)) {
		t.Fatalf("winner's bytes were replaced")
	}
}

func TestControllerOwnershipEnforced(t *testing.T) {
	ctrl, _, reg, _ := newTestController(t)
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 1})
	if _, _, err := ctrl.PutChunk(ctx, bob, res.UploadID, 0, []byte("steal")); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if _, err := ctrl.Complete(ctx, bob, res.UploadID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized on complete, got %v", err)
	}
	if err := ctrl.Abort(ctx, bob, res.UploadID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized on abort, got %v", err)
	}
	// admin may abort someone else's upload
	if err := ctrl.Abort(ctx, Principal{Username: "root", Admin: true}, res.UploadID); err != nil {
		t.Fatalf("admin abort: %v", err)
	}
	up, _ := reg.Get(ctx, res.UploadID)
	if up.State != models.UploadAborted {
		t.Fatalf("expected ABORTED")
	}
	// nothing was recorded for bob's attempt
	if popcount(up.Received) != 0 {
		t.Fatalf("foreign put must not record chunks")
	}
}

func TestControllerInitValidation(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	cases := []InitRequest{
		{FileName: "", ExpectedChunks: 1},
		{FileName: "a.mp4", ExpectedChunks: 0},
		{FileName: "a.mp4", ExpectedChunks: 101},
		{FileName: "a.mp4", ExpectedChunks: 1, TotalSize: -1},
		{FileName: "a.mp4", ExpectedChunks: 1, TotalSize: (1 << 30) + 1},
		{FileName: "..", ExpectedChunks: 1},
	}
	for i, req := range cases {
		if _, err := ctrl.Init(ctx, alice, req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
	// path components are stripped to a safe basename
	res, err := ctrl.Init(ctx, alice, InitRequest{FileName: "../../etc/passwd.mp4", ExpectedChunks: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	up, _ := ctrl.registry.Get(ctx, res.UploadID)
	if up.FileName != "passwd.mp4" {
		t.Fatalf("filename not sanitized: %q", up.FileName)
	}
}

func TestControllerOpenUploadQuota(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 1}); err != nil {
			t.Fatalf("init %d: %v", i, err)
		}
	}
	if _, err := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 1}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// another owner is unaffected
	if _, err := ctrl.Init(ctx, bob, InitRequest{FileName: "b.mp4", ExpectedChunks: 1}); err != nil {
		t.Fatalf("other owner init: %v", err)
	}
}

func TestControllerDoubleInitDistinctIDs(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()

	req := InitRequest{FileName: "same.mp4", ExpectedChunks: 2, TotalSize: 10}
	a, err := ctrl.Init(ctx, alice, req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	b, err := ctrl.Init(ctx, alice, req)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if a.UploadID == b.UploadID || a.SubmissionID == b.SubmissionID {
		t.Fatalf("init must not be idempotent by input")
	}
}

func TestControllerConcurrentPutAllIndices(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	ctx := context.Background()
	const n = 12

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: n})
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = ctrl.PutChunk(ctx, alice, res.UploadID, i, bytesOf(byte('a'+i), 64))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	done, err := ctrl.Complete(ctx, alice, res.UploadID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.AssembledSize != n*64 {
		t.Fatalf("assembled size = %d, want %d", done.AssembledSize, n*64)
	}
}

func TestControllerExpiredUploadRejectsClientCalls(t *testing.T) {
	store, reg, subs := newTestStack(t)
	limits := testLimits()
	limits.OpenTTL = 10 * time.Millisecond
	ctrl := NewController(store, reg, subs, LogSink{}, limits)
	ctx := context.Background()

	res, err := ctrl.Init(ctx, alice, InitRequest{FileName: "slow.mp4", ExpectedChunks: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// no janitor is running; the put itself must surface the expiry
	_, _, err = ctrl.PutChunk(ctx, alice, res.UploadID, 0, []byte("late"))
	var ws *WrongStateError
	if !errors.As(err, &ws) || ws.State != models.UploadExpired {
		t.Fatalf("expected WrongStateError{EXPIRED}, got %v", err)
	}
	if n, _ := store.CountChunks(ctx, res.UploadID); n != 0 {
		t.Fatalf("late chunk was stored")
	}
	if _, err := ctrl.Complete(ctx, alice, res.UploadID); !errors.As(err, &ws) || ws.State != models.UploadExpired {
		t.Fatalf("expected WrongStateError{EXPIRED} on complete, got %v", err)
	}
	up, _ := reg.Get(ctx, res.UploadID)
	if up.State != models.UploadExpired {
		t.Fatalf("upload left %s after overdue access", up.State)
	}
}

func TestControllerEventEmittedOnComplete(t *testing.T) {
	store, reg, subs := newTestStack(t)
	sink := &captureSink{}
	ctrl := NewController(store, reg, subs, sink, testLimits())
	ctx := context.Background()

	res, _ := ctrl.Init(ctx, alice, InitRequest{FileName: "a.mp4", ExpectedChunks: 1})
	if _, _, err := ctrl.PutChunk(ctx, alice, res.UploadID, 0, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := ctrl.Complete(ctx, alice, res.UploadID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	evs := sink.events()
	if len(evs) != 1 || evs[0].Type != EventUploadCompleted || evs[0].UploadID != res.UploadID {
		t.Fatalf("bad events: %+v", evs)
	}
	// a duplicate complete may re-emit; consumers dedupe by upload id
	if _, err := ctrl.Complete(ctx, alice, res.UploadID); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
}

type captureSink struct {
	mu  sync.Mutex
	evs []Event
}

func (c *captureSink) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *captureSink) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.evs))
	copy(out, c.evs)
	return out
}
