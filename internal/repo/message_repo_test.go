package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-conversation-backend/internal/domain"
)

func TestCreateInboundIfNew_DetectsDuplicate(t *testing.T) {
	db := newRepoDB(t, &domain.InboundMessage{})
	ctx := context.Background()

	m := &domain.InboundMessage{ID: "SM1", ConversationID: "+1555", Body: "hi"}
	if err := CreateInboundIfNew(ctx, db, m); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := &domain.InboundMessage{ID: "SM1", ConversationID: "+1555", Body: "hi again"}
	if err := CreateInboundIfNew(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreateInboundIfNew_ConcurrentSingleWinner(t *testing.T) {
	db := newRepoDB(t, &domain.InboundMessage{})
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := &domain.InboundMessage{ID: "SM-race", ConversationID: "+1555", Body: "hi"}
			if err := CreateInboundIfNew(ctx, db, m); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one insert should win, got %d", wins)
	}
}

func TestCreateOutboundIfNew_AndMarkDelivered(t *testing.T) {
	db := newRepoDB(t, &domain.OutboundMessage{})
	ctx := context.Background()

	id := domain.OutboundID("SM1")
	m := &domain.OutboundMessage{ID: id, ConversationID: "+1555", Body: "hello back"}
	if err := CreateOutboundIfNew(ctx, db, m); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := CreateOutboundIfNew(ctx, db, &domain.OutboundMessage{ID: id, ConversationID: "+1555", Body: "x"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if err := MarkOutboundDelivered(ctx, db, id, "SM-out-1"); err != nil {
		t.Fatalf("MarkOutboundDelivered: %v", err)
	}

	var got domain.OutboundMessage
	if err := db.Where("id = ?", id).First(&got).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.Delivered || got.TransportSID != "SM-out-1" {
		t.Errorf("delivered=%v sid=%q", got.Delivered, got.TransportSID)
	}

	total, err := CountUndelivered(ctx, db)
	if err != nil {
		t.Fatalf("CountUndelivered: %v", err)
	}
	if total != 0 {
		t.Errorf("undelivered = %d, want 0", total)
	}
}

func TestMarkOutboundDelivered_Missing(t *testing.T) {
	db := newRepoDB(t, &domain.OutboundMessage{})
	err := MarkOutboundDelivered(context.Background(), db, "bot:nope", "sid")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListInbound_Order(t *testing.T) {
	db := newRepoDB(t, &domain.InboundMessage{})
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"SM2", "SM1", "SM3"} {
		m := &domain.InboundMessage{
			ID:             id,
			ConversationID: "+1555",
			Body:           id,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := CreateInboundIfNew(ctx, db, m); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := ListInbound(ctx, db, "+1555", 0)
	if err != nil {
		t.Fatalf("ListInbound: %v", err)
	}
	if len(got) != 3 || got[0].ID != "SM2" || got[2].ID != "SM3" {
		t.Fatalf("arrival order not preserved: %#v", got)
	}

	limited, err := ListInbound(ctx, db, "+1555", 2)
	if err != nil {
		t.Fatalf("ListInbound(limit): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len = %d, want 2 (limit)", len(limited))
	}
}
