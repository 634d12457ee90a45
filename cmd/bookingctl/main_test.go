package main

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
	"github.com/spf13/viper"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLinkGenerateThenVerify(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("SIGNED_LINK_SECRET", "cli-secret")
	dir := t.TempDir()
	taskID := uuid.New()

	out, err := runCLI(t, "link", "generate", "--config-dir", dir, "--task", taskID.String(), "--ttl", "2h", "--json")
	if err != nil {
		t.Fatalf("generate failed: %v (%s)", err, out)
	}
	var link domain.SignedLink
	if err := json.Unmarshal([]byte(out), &link); err != nil {
		t.Fatalf("decode link %q: %v", out, err)
	}
	if link.ResourceID != taskID || !strings.HasPrefix(link.Path, "/book/"+taskID.String()) {
		t.Fatalf("unexpected link: %+v", link)
	}
	if until := time.Until(time.UnixMilli(link.ExpiresAtEpochMillis)); until < time.Hour || until > 2*time.Hour {
		t.Fatalf("expected expiry about 2h out, got %s", until)
	}

	exp := strconv.FormatInt(link.ExpiresAtEpochMillis, 10)
	out, err = runCLI(t, "link", "verify", "--config-dir", dir, "--task", taskID.String(), "--token", link.Token, "--exp", exp)
	if err != nil || !strings.Contains(out, "valid link") {
		t.Fatalf("expected link to verify, got %q err=%v", out, err)
	}

	if _, err := runCLI(t, "link", "verify", "--config-dir", dir, "--task", taskID.String(), "--token", link.Token, "--exp", strconv.FormatInt(link.ExpiresAtEpochMillis+1, 10)); err == nil {
		t.Fatal("expected altered expiry to be rejected")
	}

	t.Setenv("SIGNED_LINK_SECRET", "rotated")
	if _, err := runCLI(t, "link", "verify", "--config-dir", dir, "--task", taskID.String(), "--token", link.Token, "--exp", exp); err == nil {
		t.Fatal("expected rotated secret to invalidate the link")
	}
}

func TestLinkGenerateRequiresValidTask(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("SIGNED_LINK_SECRET", "cli-secret")
	if _, err := runCLI(t, "link", "generate", "--config-dir", t.TempDir(), "--task", "nope"); err == nil {
		t.Fatal("expected invalid task id to fail")
	}
}

func TestBuildSlot(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := slotFlags{
		task:     uuid.NewString(),
		merchant: uuid.NewString(),
		start:    "2030-02-01T09:00:00+01:00",
		duration: 90 * time.Minute,
		capacity: 4,
	}

	slot, err := buildSlot(valid, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Date(2030, 2, 1, 8, 0, 0, 0, time.UTC)
	if !slot.StartTime.Equal(wantStart) || !slot.EndTime.Equal(wantStart.Add(90*time.Minute)) || slot.Capacity != 4 {
		t.Fatalf("unexpected slot: %+v", slot)
	}

	tests := []struct {
		name   string
		mutate func(*slotFlags)
	}{
		{"bad task", func(f *slotFlags) { f.task = "x" }},
		{"bad merchant", func(f *slotFlags) { f.merchant = "" }},
		{"bad start", func(f *slotFlags) { f.start = "tomorrow" }},
		{"zero duration", func(f *slotFlags) { f.duration = 0 }},
		{"zero capacity", func(f *slotFlags) { f.capacity = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := valid
			tt.mutate(&f)
			if _, err := buildSlot(f, now); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
