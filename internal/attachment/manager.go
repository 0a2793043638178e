// Package attachment validates media chosen by the user and stores it in
// the blob store.
package attachment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"slices"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/MUYAHGaious/izichat/internal/blob"
	"github.com/MUYAHGaious/izichat/internal/store"
)

// MB is one mebibyte.
const MB = 1 << 20

// MaxImagePixels caps the decoded canvas of an image attachment.
const MaxImagePixels = 50_000_000

// File is a file picked by the user.
type File struct {
	Name     string `validate:"required"`
	MimeType string `validate:"required"`
	// Size is the size the picker reported. Zero means unknown.
	Size            int64 `validate:"gte=0"`
	Data            []byte
	DurationSeconds int `validate:"gte=0"`
}

// Config bounds what Select accepts.
type Config struct {
	MaxBytes           int64    `validate:"gt=0"`
	HeadroomMultiplier float64  `validate:"gte=1"`
	Allowed            []string `validate:"min=1,dive,required"`
}

// DefaultConfig returns a 10 MiB ceiling, 2x headroom and the common
// image, video and voice formats.
func DefaultConfig() Config {
	return Config{
		MaxBytes:           10 * MB,
		HeadroomMultiplier: 2,
		Allowed: []string{
			"image/jpeg", "image/png", "image/gif", "image/webp",
			"video/mp4", "video/webm", "video/quicktime",
			"audio/webm", "audio/ogg", "audio/mpeg", "audio/mp4", "audio/wav",
		},
	}
}

// Containers shared by audio and video; the sniffer reports the video type
// for audio-only files.
var sharedContainers = map[string]string{
	"audio/webm": "video/webm",
	"audio/mp4":  "video/mp4",
	"audio/ogg":  "application/ogg",
	"video/ogg":  "application/ogg",
}

var imageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Manager turns picked files into persisted attachment handles.
type Manager struct {
	blobs    *blob.Store
	db       *store.DB
	previews *PreviewCache
	dir      string
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger

	freeSpace func(ctx context.Context, path string) (uint64, error)

	mu sync.Mutex
	// Selections per ref not yet attached to a stored message. Identical
	// files share a ref, so this counts rather than flags.
	pending map[string]int
}

// NewManager creates a Manager. dir is the directory whose filesystem holds
// the blob store; it is used for the headroom check.
func NewManager(blobs *blob.Store, db *store.DB, dir string, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid attachment config: %w", err)
	}
	return &Manager{
		blobs:     blobs,
		db:        db,
		previews:  NewPreviewCache(),
		dir:       dir,
		cfg:       cfg,
		validate:  v,
		logger:    logger,
		freeSpace: diskFree,
		pending:   make(map[string]int),
	}, nil
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Select validates f and stores its payload. Checks run in order: declared
// type against the allow-list, size against the ceiling, then the content
// itself. A file whose bytes do not match its label is rejected even when
// the label is allowed. Nothing is written unless every check passes and
// the disk has room for the payload times the headroom multiplier.
func (m *Manager) Select(ctx context.Context, f File) (*store.Attachment, error) {
	if err := m.validate.Struct(f); err != nil {
		return nil, reject(InvalidType, "%v", err)
	}

	declared, _, err := mime.ParseMediaType(f.MimeType)
	if err != nil {
		return nil, reject(InvalidType, "unparseable type %q", f.MimeType)
	}
	declared = strings.ToLower(declared)
	if !slices.Contains(m.cfg.Allowed, declared) {
		return nil, reject(InvalidType, "%s files are not supported", declared)
	}

	size := max(f.Size, int64(len(f.Data)))
	if size > m.cfg.MaxBytes {
		return nil, reject(TooLarge, "%s is %.1f MB, the limit is %d MB", f.Name, float64(size)/MB, m.cfg.MaxBytes/MB)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := m.verify(declared, f)
	if err != nil {
		return nil, err
	}

	if err := m.checkHeadroom(ctx, size); err != nil {
		return nil, err
	}

	// Counted before the write so a concurrent Sweep cannot take the blob.
	ref := blob.Ref(f.Data)
	m.hold(ref)
	_, created, err := m.blobs.Put(f.Data)
	if err != nil {
		m.release(ref)
		return nil, &store.StorageError{Kind: store.Unknown, Err: err}
	}

	a := &store.Attachment{
		ID:              uuid.NewString(),
		Kind:            kindOf(declared),
		ByteSize:        int64(len(f.Data)),
		MimeType:        declared,
		BinaryRef:       ref,
		DurationSeconds: f.DurationSeconds,
	}
	if img != nil {
		if a.PreviewRef, err = m.previews.Add(img); err != nil {
			m.logger.Warn("preview failed", zap.String("ref", ref), zap.Error(err))
		}
	}
	m.logger.Info("attachment selected",
		zap.String("name", f.Name),
		zap.String("mime", declared),
		zap.Int64("bytes", a.ByteSize),
		zap.Bool("new_blob", created))
	return a, nil
}

// verify checks that the bytes are what the label claims. Images are
// decoded in full; audio and video are checked by content sniffing.
func (m *Manager) verify(declared string, f File) (image.Image, error) {
	if len(f.Data) == 0 {
		return nil, reject(IntegrityCheckFailed, "%s is empty", f.Name)
	}
	if f.Size > 0 && f.Size != int64(len(f.Data)) {
		return nil, reject(IntegrityCheckFailed, "%s: expected %d bytes, read %d", f.Name, f.Size, len(f.Data))
	}

	detected := mimetype.Detect(f.Data)
	if !sniffMatches(declared, detected) {
		return nil, reject(IntegrityCheckFailed, "%s is labelled %s but contains %s", f.Name, declared, detected.String())
	}

	format, isImage := imageFormats[declared]
	if !isImage {
		return nil, nil
	}
	// Headers are checked first: a small file can declare a huge canvas.
	cfg, got, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return nil, reject(IntegrityCheckFailed, "%s does not decode as %s: %v", f.Name, format, err)
	}
	if got != format {
		return nil, reject(IntegrityCheckFailed, "%s decodes as %s, not %s", f.Name, got, format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return nil, reject(IntegrityCheckFailed, "%s is %dx%d, the limit is %d pixels", f.Name, cfg.Width, cfg.Height, MaxImagePixels)
	}
	img, got, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, reject(IntegrityCheckFailed, "%s does not decode as %s: %v", f.Name, format, err)
	}
	if got != format {
		return nil, reject(IntegrityCheckFailed, "%s decodes as %s, not %s", f.Name, got, format)
	}
	return img, nil
}

func sniffMatches(declared string, detected *mimetype.MIME) bool {
	for mt := detected; mt != nil; mt = mt.Parent() {
		if mt.Is(declared) {
			return true
		}
	}
	if alt, ok := sharedContainers[declared]; ok {
		for mt := detected; mt != nil; mt = mt.Parent() {
			if mt.Is(alt) {
				return true
			}
		}
	}
	return false
}

func kindOf(mimeType string) store.AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return store.KindVideo
	default:
		return store.KindAudio
	}
}

func (m *Manager) checkHeadroom(ctx context.Context, size int64) error {
	free, err := m.freeSpace(ctx, m.dir)
	if err != nil {
		m.logger.Warn("could not read free disk space", zap.String("dir", m.dir), zap.Error(err))
		return nil
	}
	need := uint64(float64(size) * m.cfg.HeadroomMultiplier)
	if free < need {
		return &store.StorageError{
			Kind: store.QuotaExceeded,
			Err:  fmt.Errorf("attachment needs %d bytes of headroom, %d available", need, free),
		}
	}
	return nil
}

// Open returns the payload behind a binary ref.
func (m *Manager) Open(ref string) ([]byte, error) {
	return m.blobs.Get(ref)
}

// Preview returns the thumbnail for a preview ref.
func (m *Manager) Preview(ref string) ([]byte, bool) {
	return m.previews.Get(ref)
}

// ReleasePreview drops a preview that is no longer displayed. The binary
// payload is unaffected.
func (m *Manager) ReleasePreview(ref string) {
	m.previews.Release(ref)
}

func (m *Manager) hold(ref string) {
	m.mu.Lock()
	m.pending[ref]++
	m.mu.Unlock()
}

// release drops one selection of ref and reports how many remain.
func (m *Manager) release(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending[ref] - 1
	if n <= 0 {
		delete(m.pending, ref)
		return 0
	}
	m.pending[ref] = n
	return n
}

func (m *Manager) isPending(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[ref] > 0
}

// Claim marks one selection of a payload as referenced by a stored message.
func (m *Manager) Claim(ref string) {
	m.release(ref)
}

// Discard drops one selection that was never sent. The payload is deleted
// only when no other selection holds it and no stored message references it.
func (m *Manager) Discard(ctx context.Context, a *store.Attachment) error {
	if a == nil {
		return nil
	}
	if a.PreviewRef != "" {
		m.previews.Release(a.PreviewRef)
	}
	if m.release(a.BinaryRef) > 0 {
		return nil
	}
	inUse, err := m.db.BinaryRefInUse(ctx, a.BinaryRef)
	if err != nil || inUse {
		return err
	}
	return m.blobs.Delete(a.BinaryRef)
}

// Sweep deletes payloads that no stored message references and that are not
// pending. It returns the number of payloads removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	refs, err := m.blobs.Refs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if m.isPending(ref) {
			continue
		}
		inUse, err := m.db.BinaryRefInUse(ctx, ref)
		if err != nil {
			return removed, err
		}
		if inUse {
			continue
		}
		if err := m.blobs.Delete(ref); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("swept unreferenced blobs", zap.Int("count", removed))
	}
	return removed, nil
}

// Reset drops every payload and preview. Used when local data is cleared.
func (m *Manager) Reset() error {
	m.previews.Clear()
	m.mu.Lock()
	clear(m.pending)
	m.mu.Unlock()
	return m.blobs.DropAll()
}
