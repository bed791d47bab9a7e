package mem

import (
	"errors"
	"testing"
	"time"

	"parsim.dev/internal/protocol"
	"parsim.dev/internal/transport"
)

func TestSendAndBroadcast(t *testing.T) {
	f := NewFabric(3, 8)
	defer f.Close()
	e0 := f.Endpoint(0)
	e1 := f.Endpoint(1)
	e2 := f.Endpoint(2)

	if err := e0.Send([]byte("hi"), 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := string(<-e1.Recv()); got != "hi" {
		t.Fatalf("rank 1 got %q", got)
	}

	if err := e0.Broadcast([]byte("all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := string(<-e1.Recv()); got != "all" {
		t.Fatalf("rank 1 got %q", got)
	}
	if got := string(<-e2.Recv()); got != "all" {
		t.Fatalf("rank 2 got %q", got)
	}
	select {
	case b := <-e0.Recv():
		t.Fatalf("broadcast must not loop back to sender, got %q", b)
	default:
	}
}

func TestSendToSelfOrUnknownRank(t *testing.T) {
	f := NewFabric(2, 8)
	defer f.Close()
	e0 := f.Endpoint(0)
	if err := e0.Send([]byte("x"), 0); !errors.Is(err, transport.ErrUnknownRank) {
		t.Fatalf("self send: %v", err)
	}
	if err := e0.Send([]byte("x"), 9); !errors.Is(err, transport.ErrUnknownRank) {
		t.Fatalf("unknown rank: %v", err)
	}
}

func TestBarrierReleasesAllRanks(t *testing.T) {
	f := NewFabric(3, 8)
	defer f.Close()

	done := make(chan protocol.RankID, 3)
	for r := 0; r < 3; r++ {
		go func(rank protocol.RankID) {
			if err := f.Endpoint(rank).Barrier(2 * time.Second); err != nil {
				t.Errorf("rank %d barrier: %v", rank, err)
			}
			done <- rank
		}(protocol.RankID(r))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("barrier did not release all ranks")
		}
	}
}

func TestBarrierTimesOutWhenRankMissing(t *testing.T) {
	f := NewFabric(2, 8)
	defer f.Close()
	err := f.Endpoint(0).Barrier(50 * time.Millisecond)
	if !errors.Is(err, transport.ErrBarrierTimeout) {
		t.Fatalf("want barrier timeout, got %v", err)
	}
}

func TestSendCopiesBuffer(t *testing.T) {
	f := NewFabric(2, 8)
	defer f.Close()
	b := []byte("abc")
	if err := f.Endpoint(0).Send(b, 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	b[0] = 'X'
	if got := string(<-f.Endpoint(1).Recv()); got != "abc" {
		t.Fatalf("buffer aliased: %q", got)
	}
}
