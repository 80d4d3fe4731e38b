// Package rooms keeps the registry of rooms the assistant serves and decides
// which inbound messages should trigger it.
package rooms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/mounts"
)

// ErrInvalidRoom is returned for malformed room definitions.
var ErrInvalidRoom = errors.New("invalid room")

var folderRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Store persists rooms. Create returns domain.ErrDuplicate when the folder
// or chat reference is taken; lookups return domain.ErrNotFound.
type Store interface {
	Create(ctx context.Context, room *domain.Room) error
	Update(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, folder string) (*domain.Room, error)
	GetByChatRef(ctx context.Context, chatRef string) (*domain.Room, error)
	List(ctx context.Context) ([]domain.Room, error)
}

// Config configures a Registry.
type Config struct {
	AssistantName string
	MainChatRef   string // Chat reference of the privileged room.
	AutoRegister  bool   // Register unknown rooms on first contact.

	// Allowlist checks extra mounts when a room is written. nil rejects
	// every extra mount.
	Allowlist *mounts.Allowlist
}

// Registry resolves rooms and evaluates triggers.
type Registry struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex // serializes auto-registration
	patterns sync.Map   // pattern source → *regexp.Regexp
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Andy"
	}
	return &Registry{store: store, cfg: cfg, logger: logger}
}

// AssistantName returns the configured assistant name.
func (r *Registry) AssistantName() string { return r.cfg.AssistantName }

// EnsureMain creates the main room when a main chat reference is configured.
func (r *Registry) EnsureMain(ctx context.Context) error {
	if r.cfg.MainChatRef == "" {
		return nil
	}
	_, err := r.store.Get(ctx, domain.MainRoomFolder)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("loading main room: %w", err)
	}
	return r.Register(ctx, &domain.Room{
		Folder:  domain.MainRoomFolder,
		ChatRef: r.cfg.MainChatRef,
		Name:    "Main",
		IsMain:  true,
	})
}

// Get returns a room by folder.
func (r *Registry) Get(ctx context.Context, folder string) (*domain.Room, error) {
	return r.store.Get(ctx, folder)
}

// ByChatRef returns a room by its chat reference.
func (r *Registry) ByChatRef(ctx context.Context, chatRef string) (*domain.Room, error) {
	return r.store.GetByChatRef(ctx, chatRef)
}

// List returns all rooms.
func (r *Registry) List(ctx context.Context) ([]domain.Room, error) {
	return r.store.List(ctx)
}

// Update persists changes to a room. Mount settings are checked only when
// they change, so a rename never fails on a mount that has since vanished.
func (r *Registry) Update(ctx context.Context, room *domain.Room) error {
	if err := validate(room); err != nil {
		return err
	}
	old, err := r.store.Get(ctx, room.Folder)
	if err != nil {
		return err
	}
	if !sameMounts(old, room) {
		if err := r.checkMounts(room); err != nil {
			return err
		}
	}
	return r.store.Update(ctx, room)
}

// Register validates and stores a new room.
func (r *Registry) Register(ctx context.Context, room *domain.Room) error {
	if err := validate(room); err != nil {
		return err
	}
	if err := r.checkMounts(room); err != nil {
		return err
	}
	room.IsMain = room.Folder == domain.MainRoomFolder
	if room.AddedAt.IsZero() {
		room.AddedAt = time.Now().UTC()
	}
	if err := r.store.Create(ctx, room); err != nil {
		return err
	}
	r.logger.Info("room registered",
		slog.String("folder", room.Folder),
		slog.String("name", room.Name),
		slog.Bool("main", room.IsMain),
	)
	return nil
}

// Resolve returns the room for a chat reference, registering it on first
// contact when auto-registration is enabled. It returns domain.ErrNotFound
// for unknown rooms otherwise.
func (r *Registry) Resolve(ctx context.Context, chatRef, name string) (*domain.Room, error) {
	room, err := r.store.GetByChatRef(ctx, chatRef)
	if err == nil || !errors.Is(err, domain.ErrNotFound) || !r.cfg.AutoRegister {
		return room, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, err := r.store.GetByChatRef(ctx, chatRef); err == nil {
		return room, nil
	}
	room = &domain.Room{
		Folder:  FolderFor(chatRef),
		ChatRef: chatRef,
		Name:    strings.TrimSpace(name),
	}
	if room.Name == "" {
		room.Name = room.Folder
	}
	if err := r.Register(ctx, room); err != nil {
		return nil, fmt.Errorf("auto-registering room: %w", err)
	}
	return room, nil
}

// Triggered reports whether text should start an invocation in room.
// Direct conversations and rooms that do not need a trigger always do.
func (r *Registry) Triggered(room *domain.Room, text string, direct bool) bool {
	if direct || !room.NeedsTrigger() {
		return true
	}
	re, err := r.pattern(room.TriggerPattern)
	if err != nil {
		r.logger.Warn("invalid trigger pattern",
			slog.String("room", room.Folder),
			slog.String("error", err.Error()),
		)
		return false
	}
	return re.MatchString(strings.TrimSpace(text))
}

func (r *Registry) pattern(src string) (*regexp.Regexp, error) {
	if src == "" {
		src = TriggerPattern("@" + r.cfg.AssistantName)
	}
	if re, ok := r.patterns.Load(src); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	r.patterns.Store(src, re)
	return re, nil
}

// TriggerPattern turns a literal trigger such as "@Andy" into a
// case-insensitive, start-anchored pattern.
func TriggerPattern(trigger string) string {
	p := `(?i)^` + regexp.QuoteMeta(trigger)
	if rs := []rune(trigger); len(rs) > 0 && isWord(rs[len(rs)-1]) {
		p += `\b`
	}
	return p
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ValidFolder reports whether f is a usable room folder name.
func ValidFolder(f string) bool {
	return folderRE.MatchString(f) && f != "errors"
}

// FolderFor derives a stable folder name from a chat reference.
func FolderFor(chatRef string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(chatRef) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	sum := sha256.Sum256([]byte(chatRef))
	if slug == "" {
		return "chat-" + hex.EncodeToString(sum[:4])
	}
	return "chat-" + slug + "-" + hex.EncodeToString(sum[:3])
}

func validate(room *domain.Room) error {
	switch {
	case !ValidFolder(room.Folder):
		return fmt.Errorf("%w: folder %q must match %s", ErrInvalidRoom, room.Folder, folderRE)
	case room.ChatRef == "":
		return fmt.Errorf("%w: chat reference is required", ErrInvalidRoom)
	case room.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	}
	if room.TriggerPattern != "" {
		if _, err := regexp.Compile(room.TriggerPattern); err != nil {
			return fmt.Errorf("%w: trigger pattern: %v", ErrInvalidRoom, err)
		}
	}
	return nil
}

// checkMounts runs the same validation an invocation applies, so a room
// never stores mounts it could not start with.
func (r *Registry) checkMounts(room *domain.Room) error {
	for _, root := range room.MountAllowlist {
		home := root == "~" || strings.HasPrefix(root, "~/")
		if !home && !filepath.IsAbs(root) || slices.Contains(strings.Split(root, "/"), "..") {
			return fmt.Errorf("%w: mount root %q must be absolute without '..'", ErrInvalidRoom, root)
		}
	}
	if len(room.ExtraMounts) == 0 {
		return nil
	}
	if _, err := mounts.Validate(room, nil, room.ExtraMounts, r.cfg.Allowlist); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRoom, err)
	}
	return nil
}

func sameMounts(a, b *domain.Room) bool {
	return slices.Equal(a.MountAllowlist, b.MountAllowlist) &&
		slices.EqualFunc(a.ExtraMounts, b.ExtraMounts, func(x, y domain.MountRequest) bool {
			return x.HostPath == y.HostPath && x.ContainerPath == y.ContainerPath &&
				(x.ReadOnly == nil) == (y.ReadOnly == nil) && (x.ReadOnly == nil || *x.ReadOnly == *y.ReadOnly)
		})
}
