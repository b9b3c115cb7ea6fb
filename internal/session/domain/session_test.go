package domain

import (
	"testing"
	"time"
)

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var nilSession *Session
	if nilSession.Expired(now) {
		t.Error("nil session reported expired")
	}
	if (&Session{}).Expired(now) {
		t.Error("zero expiry reported expired")
	}
	if (&Session{ExpiresAt: now.Add(time.Minute)}).Expired(now) {
		t.Error("future expiry reported expired")
	}
	if !(&Session{ExpiresAt: now.Add(-time.Minute)}).Expired(now) {
		t.Error("past expiry not reported expired")
	}
}

func TestActiveRoleValid(t *testing.T) {
	if ActiveRoleNone.Valid() {
		t.Error("empty sentinel reported valid")
	}
	if !ActiveRoleStudent.Valid() || !ActiveRoleAdmin.Valid() {
		t.Error("selectable roles reported invalid")
	}
	if ActiveRole("root").Valid() {
		t.Error("unknown role reported valid")
	}
}
