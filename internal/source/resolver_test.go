package source

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	sandbox := t.TempDir()
	r := NewResolver(Policy{
		AllowedDomains: []string{"storage.googleapis.com", "R2.CloudflareStorage.com."},
		SandboxDir:     sandbox,
	})
	return r, sandbox
}

func TestResolve_Accepts(t *testing.T) {
	r, sandbox := newTestResolver(t)
	base, err := r.ParseBase("https://storage.googleapis.com/bucket/projects/p1/")
	if err != nil {
		t.Fatalf("ParseBase failed: %v", err)
	}

	tests := []struct {
		name, raw, want string
	}{
		{"exact domain", "https://storage.googleapis.com/b/a.mp4", "https://storage.googleapis.com/b/a.mp4"},
		{"subdomain", "https://acct.r2.cloudflarestorage.com/x.wav", "https://acct.r2.cloudflarestorage.com/x.wav"},
		{"uppercase host", "HTTPS://STORAGE.GOOGLEAPIS.COM/b/a.mp4", "https://STORAGE.GOOGLEAPIS.COM/b/a.mp4"},
		{"relative", "media/a.mp3", "https://storage.googleapis.com/bucket/projects/p1/media/a.mp3"},
		{"root relative", "/bucket/other.mp3", ""},
		{"sandbox path", filepath.Join(sandbox, "frames", "a.wav"), filepath.Join(sandbox, "frames", "a.wav")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.raw, base)
			if tt.want == "" {
				// root-relative references are absolute filesystem paths, outside the sandbox
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("expected rejection, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_Rejects(t *testing.T) {
	r, sandbox := newTestResolver(t)
	base, _ := url.Parse("https://storage.googleapis.com/bucket/")

	rejects := []string{
		"",
		"   ",
		"file:///etc/passwd",
		"FILE:/etc/passwd",
		"/etc/passwd",
		filepath.Join(sandbox, "..", "escape.wav"),
		sandbox + "-sibling/a.wav",
		`C:\Windows\win.ini`,
		`\\server\share\a.wav`,
		"https://evil.com/a.mp4",
		"https://storage.googleapis.com.evil.com/a.mp4",
		"https://notstorage.googleapis.com.attacker.io/a",
		"https://user:pw@storage.googleapis.com/a.mp4",
		"http://localhost:8080/a.mp4",
		"http://127.0.0.1/a.mp4",
		"ftp://storage.googleapis.com/a.mp4",
		"data:audio/wav;base64,AAAA",
		"//evil.com/a.mp4",
		"https:///nohost",
		"https://storage.googleapis.com/a\x00.mp4",
	}

	for _, raw := range rejects {
		if got, err := r.Resolve(raw, base); !errors.Is(err, ErrRejected) {
			t.Errorf("Resolve(%q) = %q, %v; expected rejection", raw, got, err)
		}
	}
}

func TestResolve_RelativeWithoutBase(t *testing.T) {
	r, _ := newTestResolver(t)
	if _, err := r.Resolve("media/a.mp3", nil); !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestResolve_RelativeAgainstUntrustedBase(t *testing.T) {
	r, _ := newTestResolver(t)
	base, _ := url.Parse("https://evil.com/")
	if _, err := r.Resolve("a.mp3", base); !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection, got %v", err)
	}
	if _, err := r.ParseBase("https://evil.com/"); !errors.Is(err, ErrRejected) {
		t.Errorf("ParseBase should reject untrusted base, got %v", err)
	}
}

func TestResolve_Loopback(t *testing.T) {
	r := NewResolver(Policy{AllowLoopback: true})
	for _, raw := range []string{"http://localhost:9000/a.wav", "http://127.0.0.1/a.wav", "http://[::1]/a.wav"} {
		if _, err := r.Resolve(raw, nil); err != nil {
			t.Errorf("Resolve(%q) failed with loopback allowed: %v", raw, err)
		}
	}
}

func TestResolve_Idempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	base, _ := url.Parse("https://storage.googleapis.com/bucket/")
	for _, raw := range []string{"https://storage.googleapis.com/a.mp4", "https://evil.com/a", "a.mp3", "/etc/passwd"} {
		first, err1 := r.Resolve(raw, base)
		second, err2 := r.Resolve(raw, base)
		if (err1 == nil) != (err2 == nil) || first != second {
			t.Errorf("Resolve(%q) not idempotent: (%q, %v) vs (%q, %v)", raw, first, err1, second, err2)
		}
	}
}

func TestWithSandbox(t *testing.T) {
	r := NewResolver(Policy{})
	dir := t.TempDir()
	if _, err := r.Resolve(filepath.Join(dir, "a.wav"), nil); err == nil {
		t.Error("expected rejection without sandbox")
	}
	scoped := r.WithSandbox(dir)
	if _, err := scoped.Resolve(filepath.Join(dir, "a.wav"), nil); err != nil {
		t.Errorf("expected acceptance inside sandbox: %v", err)
	}
	if _, err := r.Resolve(filepath.Join(dir, "a.wav"), nil); err == nil {
		t.Error("WithSandbox must not mutate the parent resolver")
	}
}

func TestUploadPolicy(t *testing.T) {
	p := NewUploadPolicy([]string{"r2.cloudflarestorage.com"}, true)

	valid := []string{
		"https://acct.r2.cloudflarestorage.com/bucket/out.mp4?X-Amz-Signature=abc&X-Amz-Expires=3600",
		"http://localhost:9000/bucket/out.mp4?X-Amz-Signature=abc",
	}
	for _, raw := range valid {
		if err := p.Check(raw); err != nil {
			t.Errorf("Check(%q) failed: %v", raw, err)
		}
	}

	invalid := []string{
		"https://acct.r2.cloudflarestorage.com/bucket/out.mp4",
		"http://acct.r2.cloudflarestorage.com/bucket/out.mp4?X-Amz-Signature=abc",
		"https://evil.com/out.mp4?X-Amz-Signature=abc",
		"file:///tmp/out.mp4",
		"out.mp4?sig=1",
	}
	for _, raw := range invalid {
		if err := p.Check(raw); !errors.Is(err, ErrRejected) {
			t.Errorf("Check(%q) = %v; expected rejection", raw, err)
		}
	}
}

func TestStoragePath(t *testing.T) {
	got := StoragePath("https://acct.r2.cloudflarestorage.com/bucket/renders/a.mp4?X-Amz-Signature=x")
	if got != "bucket/renders/a.mp4" {
		t.Errorf("got %q", got)
	}
}
