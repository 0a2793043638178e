package attachment

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

const previewEdge = 320

// PreviewCache holds downscaled previews for attachments on screen. Entries
// live only in this process and are released independently of the blob
// they were made from.
type PreviewCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewPreviewCache creates an empty cache.
func NewPreviewCache() *PreviewCache {
	return &PreviewCache{entries: make(map[string][]byte)}
}

// Add encodes a thumbnail of img and returns its preview ref.
func (c *PreviewCache) Add(img image.Image) (string, error) {
	thumb := scaleToFit(img, previewEdge)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	ref := "preview:" + uuid.NewString()
	c.mu.Lock()
	c.entries[ref] = buf.Bytes()
	c.mu.Unlock()
	return ref, nil
}

// Get returns the encoded preview for ref.
func (c *PreviewCache) Get(ref string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[ref]
	return b, ok
}

// Release drops ref. Releasing an unknown ref is a no-op.
func (c *PreviewCache) Release(ref string) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.mu.Unlock()
}

// Len returns the number of live previews.
func (c *PreviewCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear releases every preview.
func (c *PreviewCache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func scaleToFit(src image.Image, edge int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= edge && h <= edge {
		return src
	}
	if w >= h {
		h = max(1, h*edge/w)
		w = edge
	} else {
		w = max(1, w*edge/h)
		h = edge
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}
