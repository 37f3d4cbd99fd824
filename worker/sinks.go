package worker

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/knights-analytics/mixtex/util/imageutil"
)

// clipboardWriteAll is swapped out in tests.
var clipboardWriteAll = clipboard.WriteAll

// ClipboardSink copies results to the system clipboard.
type ClipboardSink struct{}

func (ClipboardSink) Deliver(text string) error {
	return clipboardWriteAll(text)
}

// WriterSink writes each result on its own line.
type WriterSink struct {
	W  io.Writer
	mu sync.Mutex
}

func (s *WriterSink) Deliver(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.W, text)
	return err
}

// MultiSink delivers to every sink, stopping at the first failure.
type MultiSink []Sink

func (m MultiSink) Deliver(text string) error {
	for _, s := range m {
		if err := s.Deliver(text); err != nil {
			return err
		}
	}
	return nil
}

// FileSource captures the image stored at a local or remote path.
type FileSource string

func (f FileSource) Capture(_ context.Context) (image.Image, error) {
	images, err := imageutil.LoadImagesFromPaths([]string{string(f)})
	if err != nil {
		return nil, err
	}
	return images[0], nil
}

// ReaderSource decodes a single image from r.
func ReaderSource(r io.Reader) ImageSource {
	return ImageSourceFunc(func(_ context.Context) (image.Image, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, nil
		}
		return imageutil.DecodeImage(data)
	})
}

// StaticSource always yields img.
func StaticSource(img image.Image) ImageSource {
	return ImageSourceFunc(func(_ context.Context) (image.Image, error) {
		return img, nil
	})
}
