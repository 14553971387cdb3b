package ssh

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestExecutorRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedExit   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:           "exit with error",
			command:        "exit 1",
			expectedExit:   1,
			expectedStderr: "failed with 1",
		},
		{
			name:           "exit with status 2",
			command:        "exit 2",
			expectedExit:   2,
			expectedStderr: "failed with 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(ctx, tt.command, RunOptions{})

			status, isExit := ExitStatus(err)
			if tt.expectedExit == 0 && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.expectedExit != 0 {
				if !isExit || status != tt.expectedExit {
					t.Fatalf("expected exit status %d, got %d (%v)", tt.expectedExit, status, err)
				}
			}

			if res.ExitCode != tt.expectedExit {
				t.Errorf("expected exit code %d, got %d", tt.expectedExit, res.ExitCode)
			}
			if res.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, res.Stdout)
			}
			if res.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, res.Stderr)
			}
		})
	}
}

func TestExecutorSudo(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	t.Run("without password", func(t *testing.T) {
		res, err := client.Run(context.Background(), "mv tmp/a '/etc/a b'", RunOptions{Sudo: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expected := `command: sudo sh -c 'mv tmp/a '\''/etc/a b'\'''`
		if res.Stdout != expected {
			t.Errorf("expected stdout %q, got %q", expected, res.Stdout)
		}
	})

	t.Run("password on stdin", func(t *testing.T) {
		res, err := client.Run(context.Background(), "apt-get update", RunOptions{Sudo: true, SudoPassword: "raspberry"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		expected := "password=raspberry cmd='apt-get update'"
		if res.Stdout != expected {
			t.Errorf("expected stdout %q, got %q", expected, res.Stdout)
		}
	})
}

func TestExecutorStreamsLines(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	var stdout, stderr []string
	res, err := client.Run(context.Background(), "apt-get --yes install", RunOptions{
		OnStdout: func(line string) { stdout = append(stdout, line) },
		OnStderr: func(line string) { stderr = append(stderr, line) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"Reading package lists...", "Building dependency tree", "partial"}; !reflect.DeepEqual(stdout, want) {
		t.Errorf("expected stdout lines %v, got %v", want, stdout)
	}
	if want := []string{"W: mirror slow"}; !reflect.DeepEqual(stderr, want) {
		t.Errorf("expected stderr lines %v, got %v", want, stderr)
	}
	if res.Stderr != "W: mirror slow" {
		t.Errorf("expected buffered stderr, got %q", res.Stderr)
	}
}

func TestExecutorTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)

	start := time.Now()
	res, err := client.Run(context.Background(), "sleep", RunOptions{Timeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if _, ok := ExitStatus(err); ok {
		t.Error("a timed out command has no exit status")
	}
	if res.ExitCode != NoExitStatus {
		t.Errorf("expected exit code %d, got %d", NoExitStatus, res.ExitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not honored")
	}
}

func TestUploadContent(t *testing.T) {
	server := newTestSSHServer(t)
	client := server.connect(t)
	dest := filepath.Join(t.TempDir(), "tmp", "inadyn.conf")

	res, err := client.UploadContent(context.Background(), []byte("period = 300\n"), dest, 0600)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if res.BytesTransferred != 13 {
		t.Errorf("expected 13 bytes, got %d", res.BytesTransferred)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(got) != "period = 300\n" {
		t.Errorf("unexpected content %q", got)
	}

	if _, err := client.UploadContent(context.Background(), []byte("x"), dest, 0600); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = os.ReadFile(dest)
	if string(got) != "x" {
		t.Errorf("expected truncated content, got %q", got)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}
}

func TestCopyWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst nopWriter
	if _, err := copyWithContext(ctx, &dst, &infiniteReader{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":      "'plain'",
		"a b":        "'a b'",
		"it's":       `'it'\''s'`,
		"x > /tmp/y": "'x > /tmp/y'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) { return len(p), nil }
