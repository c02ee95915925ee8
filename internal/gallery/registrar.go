package gallery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xfrr/goffmpeg/transcoder"

	"github.com/e7canasta/orion-recorder/internal/platform"
)

// Metadata is what a probe learns about a finalized file.
type Metadata struct {
	Width    int
	Height   int
	Codec    string
	Duration time.Duration
}

// Prober inspects a finalized file.
type Prober interface {
	Probe(path string) (Metadata, error)
}

// FFmpegProber reads container metadata with ffprobe through goffmpeg.
type FFmpegProber struct{}

// Probe returns the first video stream of path.
func (FFmpegProber) Probe(path string) (Metadata, error) {
	trans := new(transcoder.Transcoder)
	if err := trans.Initialize(path, ""); err != nil {
		return Metadata{}, fmt.Errorf("gallery: probe %s: %w", path, err)
	}

	meta := trans.MediaFile().Metadata()
	var out Metadata
	for _, stream := range meta.Streams {
		if stream.CodecType != "video" {
			continue
		}
		out.Width, out.Height, out.Codec = stream.Width, stream.Height, stream.CodecName
		break
	}
	if secs, err := strconv.ParseFloat(meta.Format.Duration, 64); err == nil {
		out.Duration = time.Duration(secs * float64(time.Second))
	}

	if out.Width == 0 || out.Height == 0 {
		return Metadata{}, fmt.Errorf("gallery: probe %s: no video stream", path)
	}
	return out, nil
}

// Registrar implements platform.Registrar on a Store.
type Registrar struct {
	store  *Store
	prober Prober
	logger *slog.Logger
	now    func() time.Time
}

var _ platform.Registrar = (*Registrar)(nil)

// NewRegistrar returns a registrar. A nil prober registers files with the
// metadata the recorder supplied.
func NewRegistrar(store *Store, prober Prober, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{store: store, prober: prober, logger: logger, now: time.Now}
}

// Register adds a finalized file to the gallery. Missing or empty files are
// rejected; probe failures fall back to the recorder's metadata.
func (r *Registrar) Register(ctx context.Context, file platform.VideoFile) error {
	info, err := os.Stat(file.Path)
	if err != nil {
		return fmt.Errorf("gallery: register %s: %w", file.Path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("gallery: register %s: file is empty", file.Path)
	}

	rec := Recording{
		ID:        uuid.NewString(),
		Path:      file.Path,
		Width:     file.Width,
		Height:    file.Height,
		Codec:     file.Codec,
		SizeBytes: info.Size(),
		CreatedAt: r.now(),
	}

	if r.prober != nil {
		meta, err := r.prober.Probe(file.Path)
		if err != nil {
			r.logger.Warn("gallery: probe failed, using recorder metadata", "path", file.Path, "error", err)
		} else {
			rec.Width, rec.Height, rec.Duration, rec.Probed = meta.Width, meta.Height, meta.Duration, true
			if meta.Codec != "" {
				rec.Codec = meta.Codec
			}
		}
	}

	if err := r.store.Add(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("gallery: recording registered",
		"id", rec.ID,
		"path", rec.Path,
		"size_bytes", rec.SizeBytes,
		"duration", rec.Duration,
		"probed", rec.Probed,
	)
	return nil
}
