package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-pdf-chat/internal/domain"
)

func TestIdempotency_CreateGetDuplicate(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	ctx := context.Background()
	k := IdemKey{UserID: "u1", ChatID: "c1", Scope: domain.IdemScopeUpload, Key: "key-1"}

	if _, err := GetIdempotency(ctx, db, k, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound before create, got %v", err)
	}

	rec, err := CreateIdempotency(ctx, db, k, "file-1", 202, time.Hour)
	if err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if rec.ResourceID != "file-1" || rec.Status != 202 || !rec.ExpiresAt.After(rec.CreatedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	got, err := GetIdempotency(ctx, db, k, time.Now())
	if err != nil || got.ResourceID != "file-1" {
		t.Fatalf("GetIdempotency: %+v %v", got, err)
	}

	if _, err := CreateIdempotency(ctx, db, k, "file-2", 202, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	// A different scope with the same key is independent.
	other := k
	other.Scope = domain.IdemScopeMessage
	if _, err := GetIdempotency(ctx, db, other, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("scopes must not collide, got %v", err)
	}

	ok, err := HasIdempotency(ctx, db, "u1", "c1", "key-1", time.Now())
	if err != nil || !ok {
		t.Fatalf("HasIdempotency = %v, %v", ok, err)
	}
}

func TestIdempotency_ExpiredAndBlankInputs(t *testing.T) {
	db := newRepoDB(t, &domain.Idempotency{})
	ctx := context.Background()
	k := IdemKey{UserID: "u1", ChatID: "c1", Scope: domain.IdemScopeMessage, Key: "k"}

	if _, err := CreateIdempotency(ctx, db, k, "m1", 201, time.Minute); err != nil {
		t.Fatalf("CreateIdempotency: %v", err)
	}
	if _, err := GetIdempotency(ctx, db, k, time.Now().Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired record should be ErrNotFound, got %v", err)
	}
	if ok, _ := HasIdempotency(ctx, db, "u1", "c1", "k", time.Now().Add(2*time.Minute)); ok {
		t.Fatalf("expired record should not count")
	}

	blank := k
	blank.ChatID = "  "
	if _, err := GetIdempotency(ctx, db, blank, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank chat id should be ErrNotFound, got %v", err)
	}
}
