package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/utlibraries/audiocat/internal/llm"
)

// dirImageSource reads an item's images from a flat directory using the
// naming convention described in the external-interfaces manifest
// format: <barcode>{a|b|c}.{png|jpg|jpeg}, where a/b/c are front/back/
// additional views. Renaming files with spaces and rejecting malformed
// names is the ingestion step's job, upstream of this reader.
type dirImageSource struct {
	dir string
}

func newDirImageSource(dir string) *dirImageSource {
	return &dirImageSource{dir: dir}
}

var extMediaTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

func (s *dirImageSource) LoadImages(ctx context.Context, barcode string) ([]llm.ImageAttachment, error) {
	var images []llm.ImageAttachment
	for _, role := range []byte{'a', 'b', 'c'} {
		for ext, mediaType := range extMediaTypes {
			path := filepath.Join(s.dir, fmt.Sprintf("%s%c%s", barcode, role, ext))
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			images = append(images, llm.ImageAttachment{MediaType: mediaType, Data: data})
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return images, nil
}
