package uapi

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorFromStatus(t *testing.T) {
	if err := ErrorFromStatus(0, "noop"); err != nil {
		t.Fatalf("expected nil error for success status, got %v", err)
	}
	if err := ErrorFromStatus(12, "count"); err != nil {
		t.Fatalf("expected nil error for positive status, got %v", err)
	}

	err := ErrorFromStatus(-int64(EBADF), "start_transfer")
	if err == nil {
		t.Fatalf("expected error for EBADF status")
	}
	if !errors.Is(err, EBADF) {
		t.Fatalf("expected errors.Is match EBADF, got %v", err)
	}
	if !strings.Contains(err.Error(), "start_transfer") {
		t.Fatalf("expected operation context in error string, got %q", err)
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int64
	}{
		{nil, 0},
		{EFAULT, -int64(unix.EFAULT)},
		{fmt.Errorf("copy header: %w", EFAULT), -int64(unix.EFAULT)},
		{ENOTTY.WithOp("ioctl"), -int64(unix.ENOTTY)},
		{fmt.Errorf("mlock: %w", unix.ENOMEM), -int64(unix.ENOMEM)},
		{errors.New("opaque"), -int64(unix.EIO)},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Fatalf("Status(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrnoString(t *testing.T) {
	if msg := EINVAL.String(); msg == "" || strings.EqualFold(msg, "unknown") {
		t.Fatalf("unexpected strerror message: %q", msg)
	}
	if Success.String() != "success" {
		t.Fatalf("unexpected success string %q", Success.String())
	}
}
