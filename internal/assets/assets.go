// Package assets downloads the image files referenced by merged product
// entities. Downloads are resumable twice over: entities already flagged as
// fetched are skipped outright, and files already on disk are never
// re-requested. An entity is flagged only once every one of its images
// landed, so a partial failure retries just the missing files next run.
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

// EntityStore is the slice of the page store the downloader needs.
type EntityStore interface {
	ListEntities(ctx context.Context) ([]catalog.EntityRecord, error)
	SaveEntity(ctx context.Context, rec catalog.EntityRecord) error
}

// Config tunes the downloader.
type Config struct {
	// Dir is the directory image files are written under, one subdirectory
	// per entity.
	Dir string
	// CDNBaseURL resolves relative image references. Absolute references
	// are used as-is.
	CDNBaseURL string
	// MaxConcurrent bounds the number of entities downloading at once.
	MaxConcurrent  int
	UserAgent      string
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// Summary reports one downloader run.
type Summary struct {
	Entities   int
	Downloaded int
	Resumed    int
	Skipped    int
	Failed     int
}

// Downloader fetches entity images over a shared colly transport.
type Downloader struct {
	cfg    Config
	store  EntityStore
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Downloader rooted at cfg.Dir.
func New(cfg Config, store EntityStore, logger *zap.Logger) (*Downloader, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("asset directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
	)
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Downloader{
		cfg:    cfg,
		store:  store,
		base:   base,
		logger: logger,
	}, nil
}

// Run downloads images for every unfetched entity in the store. Per-entity
// failures are contained and counted; the returned error covers only the
// listing itself and cancellation.
func (d *Downloader) Run(ctx context.Context) (Summary, error) {
	recs, err := d.store.ListEntities(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list entities: %w", err)
	}

	var (
		mu  sync.Mutex
		sum = Summary{Entities: len(recs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)
	for _, rec := range recs {
		rec := rec
		if rec.ImagesFetched || len(rec.Images) == 0 {
			mu.Lock()
			sum.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			got, resumed, err := d.downloadEntity(gctx, rec)
			mu.Lock()
			sum.Downloaded += got
			sum.Resumed += resumed
			if err != nil {
				sum.Failed++
			}
			mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				d.logger.Warn("entity images incomplete",
					zap.String("entity_id", rec.EntityID),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	d.logger.Info("asset run finished",
		zap.Int("entities", sum.Entities),
		zap.Int("downloaded", sum.Downloaded),
		zap.Int("resumed", sum.Resumed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

// downloadEntity fetches every image for one entity and flags the record once
// all of them are on disk. Returns the number downloaded and the number
// already present.
func (d *Downloader) downloadEntity(ctx context.Context, rec catalog.EntityRecord) (int, int, error) {
	dir := filepath.Join(d.cfg.Dir, sanitize(rec.EntityID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, 0, fmt.Errorf("create entity asset dir: %w", err)
	}

	downloaded, resumed := 0, 0
	for i, ref := range rec.Images {
		if err := ctx.Err(); err != nil {
			return downloaded, resumed, err
		}
		dest := filepath.Join(dir, fmt.Sprintf("img_%d%s", i, imageExt(ref)))
		if _, err := os.Stat(dest); err == nil {
			resumed++
			continue
		}
		imgURL, err := d.resolveRef(ref)
		if err != nil {
			return downloaded, resumed, err
		}
		body, err := d.fetch(imgURL)
		if err != nil {
			return downloaded, resumed, fmt.Errorf("image %d for %s: %w", i, rec.EntityID, err)
		}
		if err := os.WriteFile(dest, body, 0o600); err != nil {
			return downloaded, resumed, fmt.Errorf("write %s: %w", dest, err)
		}
		downloaded++
	}

	rec.ImagesFetched = true
	if err := d.store.SaveEntity(ctx, rec); err != nil {
		return downloaded, resumed, fmt.Errorf("flag entity %s: %w", rec.EntityID, err)
	}
	return downloaded, resumed, nil
}

// fetch retrieves one image body.
func (d *Downloader) fetch(imgURL string) ([]byte, error) {
	c := d.base.Clone()

	var (
		body     []byte
		status   int
		visitErr error
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(imgURL); err != nil {
		return nil, fmt.Errorf("visit %s: %w", imgURL, err)
	}
	if visitErr != nil {
		return nil, fmt.Errorf("fetch %s (status %d): %w", imgURL, status, visitErr)
	}
	if status != 200 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", imgURL, status)
	}
	return body, nil
}

// resolveRef turns an image reference into a fetchable URL.
func (d *Downloader) resolveRef(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref, nil
	}
	if d.cfg.CDNBaseURL == "" {
		return "", fmt.Errorf("relative image reference %q needs assets.cdn_base_url", ref)
	}
	return strings.TrimSuffix(d.cfg.CDNBaseURL, "/") + "/" + strings.TrimPrefix(ref, "/"), nil
}

// imageExt picks the file extension from the reference's URL path.
func imageExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	if ext := path.Ext(p); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}

// sanitize keeps entity ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
