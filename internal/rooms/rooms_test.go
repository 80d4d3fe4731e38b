package rooms

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/mounts"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewRegistry(NewMemStore(), cfg, logger)
}

func TestTriggered(t *testing.T) {
	r := newTestRegistry(t, Config{AssistantName: "Assistant"})
	no := false

	tests := []struct {
		name   string
		room   domain.Room
		text   string
		direct bool
		want   bool
	}{
		{"mention", domain.Room{Folder: "r1"}, "@Assistant what's 2+2", false, true},
		{"mention any case", domain.Room{Folder: "r1"}, "@assistant hi", false, true},
		{"no mention", domain.Room{Folder: "r1"}, "what's 2+2", false, false},
		{"mention not at start", domain.Room{Folder: "r1"}, "hey @Assistant", false, false},
		{"longer word", domain.Room{Folder: "r1"}, "@Assistants unite", false, false},
		{"main needs no trigger", domain.Room{Folder: "main", IsMain: true}, "hello", false, true},
		{"direct message", domain.Room{Folder: "r1"}, "hello", true, true},
		{"override off", domain.Room{Folder: "r1", RequireTrigger: &no}, "hello", false, true},
		{"custom pattern", domain.Room{Folder: "r1", TriggerPattern: TriggerPattern("!bot")}, "!bot run", false, true},
		{"custom pattern miss", domain.Room{Folder: "r1", TriggerPattern: TriggerPattern("!bot")}, "@Assistant run", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Triggered(&tt.room, tt.text, tt.direct); got != tt.want {
				t.Errorf("Triggered(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	r := newTestRegistry(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		room    domain.Room
		wantErr error
	}{
		{"valid", domain.Room{Folder: "team-a", ChatRef: "!a", Name: "Team A"}, nil},
		{"duplicate folder", domain.Room{Folder: "team-a", ChatRef: "!b", Name: "B"}, domain.ErrDuplicate},
		{"uppercase folder", domain.Room{Folder: "Team", ChatRef: "!c", Name: "C"}, ErrInvalidRoom},
		{"traversal folder", domain.Room{Folder: "../etc", ChatRef: "!d", Name: "D"}, ErrInvalidRoom},
		{"reserved folder", domain.Room{Folder: "errors", ChatRef: "!e", Name: "E"}, ErrInvalidRoom},
		{"missing chat ref", domain.Room{Folder: "f", Name: "F"}, ErrInvalidRoom},
		{"bad pattern", domain.Room{Folder: "g", ChatRef: "!g", Name: "G", TriggerPattern: "("}, ErrInvalidRoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, &tt.room)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Register() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_MountChecks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	shared := filepath.Join(root, "shared")
	if err := os.Mkdir(shared, 0o755); err != nil {
		t.Fatal(err)
	}
	allow, err := mounts.ParseAllowlist([]byte(`{"allowedRoots":[{"path":` + strconv.Quote(root) + `}]}`))
	if err != nil {
		t.Fatal(err)
	}
	r := newTestRegistry(t, Config{Allowlist: allow})
	extra := func(host string) []domain.MountRequest {
		return []domain.MountRequest{{HostPath: host, ContainerPath: "data"}}
	}

	tests := []struct {
		name    string
		room    domain.Room
		wantErr bool
	}{
		{"outside allowed roots", domain.Room{Folder: "a", ChatRef: "!a", Name: "A", ExtraMounts: extra(t.TempDir())}, true},
		{"reserved path", domain.Room{Folder: "b", ChatRef: "!b", Name: "B", ExtraMounts: extra("/etc")}, true},
		{"relative room root", domain.Room{Folder: "c", ChatRef: "!c", Name: "C", MountAllowlist: []string{"srv"}}, true},
		{"room root with traversal", domain.Room{Folder: "d", ChatRef: "!d", Name: "D", MountAllowlist: []string{"/srv/../etc"}}, true},
		{"home room root", domain.Room{Folder: "e", ChatRef: "!e", Name: "E", MountAllowlist: []string{"~/projects"}}, false},
		{"allowed", domain.Room{Folder: "team", ChatRef: "!t", Name: "Team", ExtraMounts: extra(shared)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, &tt.room)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRoom) {
				t.Errorf("error %v does not wrap ErrInvalidRoom", err)
			}
		})
	}

	room, err := r.Get(ctx, "team")
	if err != nil {
		t.Fatal(err)
	}
	room.ExtraMounts = extra(t.TempDir())
	if err := r.Update(ctx, room); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Update() with a mount outside the roots = %v", err)
	}

	// A mount that vanished after registration does not block a rename.
	if err := os.Remove(shared); err != nil {
		t.Fatal(err)
	}
	room, _ = r.Get(ctx, "team")
	room.Name = "Team Renamed"
	if err := r.Update(ctx, room); err != nil {
		t.Errorf("rename with unchanged mounts: %v", err)
	}
}

func TestRegistry_NoAllowlistRejectsExtraMounts(t *testing.T) {
	r := newTestRegistry(t, Config{})
	room := &domain.Room{Folder: "team", ChatRef: "!t", Name: "Team", ExtraMounts: []domain.MountRequest{{HostPath: t.TempDir()}}}
	if err := r.Register(context.Background(), room); !errors.Is(err, ErrInvalidRoom) {
		t.Errorf("Register() error = %v, want ErrInvalidRoom", err)
	}
}

func TestResolve_AutoRegister(t *testing.T) {
	ctx := context.Background()

	off := newTestRegistry(t, Config{})
	if _, err := off.Resolve(ctx, "!new:example.org", "New"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Resolve without auto-register: %v", err)
	}

	on := newTestRegistry(t, Config{AutoRegister: true})
	var wg sync.WaitGroup
	folders := make([]string, 8)
	for i := range folders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := on.Resolve(ctx, "!new:example.org", "New")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			folders[i] = room.Folder
		}()
	}
	wg.Wait()

	for _, f := range folders {
		if f != folders[0] {
			t.Fatalf("concurrent first contact produced different rooms: %v", folders)
		}
	}
	if !ValidFolder(folders[0]) {
		t.Errorf("derived folder %q is not valid", folders[0])
	}
	all, _ := on.List(ctx)
	if len(all) != 1 {
		t.Errorf("registered %d rooms, want 1", len(all))
	}
}

func TestEnsureMain(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, Config{MainChatRef: "!main"})
	for range 2 {
		if err := r.EnsureMain(ctx); err != nil {
			t.Fatal(err)
		}
	}
	main, err := r.ByChatRef(ctx, "!main")
	if err != nil {
		t.Fatal(err)
	}
	if !main.IsMain || main.Folder != domain.MainRoomFolder {
		t.Errorf("main room = %+v", main)
	}
}

func TestFolderFor(t *testing.T) {
	a := FolderFor("!AbC:matrix.org")
	b := FolderFor("!abc:matrix.org")
	if a == b {
		t.Error("distinct chat refs should map to distinct folders")
	}
	if a != FolderFor("!AbC:matrix.org") {
		t.Error("FolderFor must be deterministic")
	}
	for _, ref := range []string{"!AbC:matrix.org", "###", "123456789012345678901234567890123456789012345678901234567890"} {
		if f := FolderFor(ref); !ValidFolder(f) {
			t.Errorf("FolderFor(%q) = %q is not a valid folder", ref, f)
		}
	}
}
