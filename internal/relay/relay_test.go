package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/logger"
)

// fakeRelay is the far side of a net.Pipe speaking the envelope protocol.
type fakeRelay struct {
	conn net.Conn
	in   *bufio.Reader
	wmu  sync.Mutex
}

func attach(t *testing.T, opts Options) (*Relay, *fakeRelay) {
	t.Helper()
	opts.Logger = logger.Discard()
	r := New(opts)
	client, server := net.Pipe()
	r.Attach(client)
	t.Cleanup(func() {
		r.Detach()
		_ = server.Close()
	})
	return r, &fakeRelay{conn: server, in: bufio.NewReader(server)}
}

func (f *fakeRelay) next(t *testing.T) envelope {
	t.Helper()
	line, err := f.in.ReadBytes('\n')
	if err != nil {
		// pipe closed during cleanup
		return envelope{}
	}
	var e envelope
	if err := json.Unmarshal(line, &e); err != nil {
		t.Errorf("decode request %q: %v", line, err)
	}
	return e
}

func (f *fakeRelay) send(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := f.conn.Write(append(b, '\n')); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func waitPending(t *testing.T, r *Relay, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.Pending() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", r.Pending(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendWithoutRelayIsUnavailable(t *testing.T) {
	r := New(Options{Logger: logger.Discard()})
	start := time.Now()
	_, err := r.Send(context.Background(), Ping())
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond || r.Pending() != 0 {
		t.Fatal("unavailable relay must reject immediately without a pending entry")
	}
}

func TestShuffledRepliesResolveTheirOwnCaller(t *testing.T) {
	r, f := attach(t, Options{})
	const n = 32

	go func() {
		reqs := make([]envelope, 0, n)
		for i := 0; i < n; i++ {
			reqs = append(reqs, f.next(t))
		}
		rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
		for _, req := range reqs {
			f.send(t, map[string]any{"type": "reply", "id": req.ID, "result": json.RawMessage(req.Args)})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Send(context.Background(), Custom("echo", map[string]int{"n": i}))
			if err != nil {
				errs <- err
				return
			}
			var got map[string]int
			if err := json.Unmarshal(res, &got); err != nil {
				errs <- err
				return
			}
			if got["n"] != i {
				errs <- fmt.Errorf("caller %d received reply for %d", i, got["n"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending table not drained: %d", r.Pending())
	}
}

func TestTimeoutRejectsOnceAndRemovesEntry(t *testing.T) {
	r, f := attach(t, Options{})
	got := make(chan envelope, 1)
	go func() { got <- f.next(t) }()

	_, err := r.Send(context.Background(), Custom("slow", nil), WithTimeout(50*time.Millisecond))
	var te *TimeoutError
	if !errors.As(err, &te) || te.Name != "slow" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("timed out entry still pending: %d", r.Pending())
	}

	// a late reply is dropped without disturbing the relay
	req := <-got
	f.send(t, map[string]any{"type": "reply", "id": req.ID, "result": "late"})
	go func() {
		next := f.next(t)
		f.send(t, map[string]any{"type": "reply", "id": next.ID, "result": "pong"})
	}()
	res, err := r.Send(context.Background(), Ping(), WithTimeout(time.Second))
	if err != nil || string(res) != `"pong"` {
		t.Fatalf("relay unusable after late reply: %s %v", res, err)
	}
}

func TestContextCancelRemovesEntry(t *testing.T) {
	r, f := attach(t, Options{})
	go func() { f.next(t) }()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := r.Send(ctx, Ping()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatal("cancelled entry still pending")
	}
}

func TestDeadlineCoversStalledWrite(t *testing.T) {
	// the far side never reads, so the request frame cannot be written
	r, _ := attach(t, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), Ping(), WithTimeout(100*time.Millisecond))
		done <- err
	}()
	select {
	case err := <-done:
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send ignored its deadline while the write was blocked")
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", r.Pending())
	}
	if r.Attached() {
		t.Fatal("transport with a half-written frame still attached")
	}
	if _, err := r.Send(context.Background(), Ping()); !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("expected ErrRelayUnavailable after detach, got %v", err)
	}
}

func TestContextCoversStalledWrite(t *testing.T) {
	r, _ := attach(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// the second request queues behind the first, stalled one
	errs := make(chan error, 2)
	go func() {
		_, err := r.Send(ctx, Ping())
		errs <- err
	}()
	go func() {
		_, err := r.Send(ctx, Custom("status", nil))
		errs <- err
	}()
	for range 2 {
		select {
		case err := <-errs:
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrRelayUnavailable) {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Send ignored ctx while writes were blocked")
		}
	}
	waitPending(t, r, 0)
}

func TestRemoteError(t *testing.T) {
	r, f := attach(t, Options{})
	go func() {
		a := f.next(t)
		f.send(t, map[string]any{"type": "reply", "id": a.ID, "error": "model not found"})
		b := f.next(t)
		f.send(t, map[string]any{"type": "reply", "id": b.ID, "error": map[string]any{"message": "disk full", "code": 28}})
	}()

	_, err := r.Send(context.Background(), DownloadModel(DownloadModelArgs{Model: "whisper"}))
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "model not found" || re.Name != "download_model" {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = r.Send(context.Background(), UploadArtifact(UploadArtifactArgs{Path: "a", Target: "b"}))
	if !errors.As(err, &re) || re.Message != "disk full" || re.Code != "28" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestRequestEnvelopeShape(t *testing.T) {
	r, f := attach(t, Options{})
	got := make(chan envelope, 1)
	go func() {
		e := f.next(t)
		got <- e
		f.send(t, map[string]any{"type": "reply", "id": e.ID, "result": true})
	}()
	if _, err := r.Send(context.Background(), InstallPackages("torch", "numpy")); err != nil {
		t.Fatal(err)
	}
	e := <-got
	if e.Type != TypeRequest || e.Name != "install_packages" || e.ID == 0 {
		t.Fatalf("bad envelope: %+v", e)
	}
	if string(e.Args) != `{"packages":["torch","numpy"]}` {
		t.Fatalf("args = %s", e.Args)
	}
}

func TestDetachRejectsPending(t *testing.T) {
	r, f := attach(t, Options{})
	go func() { f.next(t) }()
	errc := make(chan error, 1)
	go func() {
		_, err := r.Send(context.Background(), Ping())
		errc <- err
	}()
	waitPending(t, r, 1)
	_ = f.conn.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrRelayUnavailable) {
			t.Fatalf("expected ErrRelayUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on detach")
	}
	if r.Attached() {
		t.Fatal("relay still attached after EOF")
	}
}

func TestPushListeners(t *testing.T) {
	r, f := attach(t, Options{})
	var all, progress atomic.Int32
	done := make(chan struct{}, 8)
	r.Listen(AllPushes, func(p Push) { all.Add(1); done <- struct{}{} })
	cancel := r.Listen("progress", func(p Push) {
		if p.Event != "progress" {
			t.Errorf("wrong event delivered: %q", p.Event)
		}
		progress.Add(1)
	})
	r.Listen("", func(Push) { panic("listener bug") })

	f.send(t, map[string]any{"type": "push", "event": "progress", "data": map[string]int{"pct": 50}})
	f.send(t, map[string]any{"type": "push", "event": "log", "data": "hello"})
	f.send(t, map[string]any{"type": "push", "data": "bare"})
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("push not delivered")
		}
	}
	cancel()
	f.send(t, map[string]any{"type": "push", "event": "progress", "data": 1})
	<-done

	if all.Load() != 4 || progress.Load() != 1 {
		t.Fatalf("all=%d progress=%d", all.Load(), progress.Load())
	}
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	r, f := attach(t, Options{})
	go func() {
		e := f.next(t)
		f.wmu.Lock()
		_, _ = f.conn.Write([]byte("Loading model...\n{not json\n"))
		f.wmu.Unlock()
		f.send(t, map[string]any{"type": "reply", "id": 9999, "result": 1})
		f.send(t, map[string]any{"type": "reply", "id": e.ID, "result": "ok"})
	}()
	res, err := r.Send(context.Background(), GetStatus(nil))
	if err != nil || string(res) != `"ok"` {
		t.Fatalf("got %s %v", res, err)
	}
}

func TestTimeoutClasses(t *testing.T) {
	r := New(Options{DefaultTimeout: time.Second, LongTimeout: time.Hour, LongOperations: []string{"transcribe_batch"}})
	cases := []struct {
		req  Request
		want time.Duration
	}{
		{Ping(), time.Second},
		{CancelJob("j1"), time.Second},
		{InstallPackages("x"), time.Hour},
		{DownloadModel(DownloadModelArgs{Model: "m"}), time.Hour},
		{Custom("download_model", nil), time.Hour},
		{Custom("transcribe_batch", nil), time.Hour},
		{Custom("anything_else", nil), time.Second},
	}
	for _, c := range cases {
		if got := r.Timeout(c.req); got != c.want {
			t.Errorf("Timeout(%s) = %s, want %s", c.req.Name(), got, c.want)
		}
	}
	if Custom("ping", nil).Kind != KindPing {
		t.Error("known name not promoted to its kind")
	}
}

func TestIDsAreMonotonic(t *testing.T) {
	r, f := attach(t, Options{})
	ids := make(chan uint64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			e := f.next(t)
			ids <- e.ID
			f.send(t, map[string]any{"type": "reply", "id": e.ID})
		}
	}()
	for i := 0; i < 3; i++ {
		if _, err := r.Send(context.Background(), Ping()); err != nil {
			t.Fatal(err)
		}
	}
	prev := uint64(0)
	for i := 0; i < 3; i++ {
		id := <-ids
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}
