package interactive

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/andywolf/pipewright/internal/workerdriver"
)

func TestLaunchInteractiveEchoesStdinOnStdout(t *testing.T) {
	d := New()
	spec := workerdriver.LaunchSpec{Command: []string{"cat"}}

	h, err := d.LaunchInteractive(context.Background(), spec)
	if err != nil {
		t.Fatalf("LaunchInteractive: %v", err)
	}

	if _, err := h.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	scanner := bufio.NewScanner(h.Stdout())
	if !scanner.Scan() {
		t.Fatalf("expected a line on stdout, scan err = %v", scanner.Err())
	}
	if got := scanner.Text(); got != "hello" {
		t.Fatalf("stdout = %q, want %q", got, "hello")
	}

	h.Stdin().Close()

	select {
	case code := <-h.Done():
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestKillTerminatesProcess(t *testing.T) {
	d := New()
	spec := workerdriver.LaunchSpec{Command: []string{"sleep", "30"}}

	h, err := d.LaunchInteractive(context.Background(), spec)
	if err != nil {
		t.Fatalf("LaunchInteractive: %v", err)
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for killed process to exit")
	}
}

func TestLaunchInteractiveRequiresCommand(t *testing.T) {
	d := New()
	if _, err := d.LaunchInteractive(context.Background(), workerdriver.LaunchSpec{}); err == nil {
		t.Fatal("expected an error for an empty Command")
	}
}
