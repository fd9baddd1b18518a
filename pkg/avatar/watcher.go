package avatar

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"gorm.io/gorm"

	"agency/models"
)

// thumbSide is the longest side of a generated thumbnail.
const thumbSide = 512

// Watcher turns profile photos dropped into <base>/incoming into thumbnails
// under <base>/thumbs and records the thumb path on the owning profile.
// File names carry the profile id as a numeric prefix: <profileID>_<rest>.
type Watcher struct {
	db      *gorm.DB
	base    string
	workers int

	stop chan struct{}
	done chan struct{}
}

func New(db *gorm.DB, base string, workers int) (*Watcher, error) {
	if workers < 1 {
		workers = 2
	}
	for _, d := range []string{IncomingDir(base), ThumbsDir(base)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &Watcher{
		db:      db,
		base:    base,
		workers: workers,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// IncomingDir is where the avatar upload handler writes originals.
func IncomingDir(base string) string { return filepath.Join(base, "incoming") }

// ThumbsDir is where generated thumbnails land.
func ThumbsDir(base string) string { return filepath.Join(base, "thumbs") }

// Start begins watching. Files already present in the incoming dir are
// processed first, so a restart catches up on anything missed.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	incoming := IncomingDir(w.base)
	if err := fw.Add(incoming); err != nil {
		fw.Close()
		return err
	}

	fileCh := make(chan string, 256)
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range fileCh {
				w.process(name)
			}
		}()
	}

	go func() {
		defer close(w.done)
		defer fw.Close()

		for _, name := range listImageFiles(incoming) {
			fileCh <- name
		}

		// debounce: only hand a file to a worker once it has been stable for
		// a few hundred ms, so half-written uploads are not decoded.
		pending := map[string]time.Time{}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				close(fileCh)
				wg.Wait()
				return
			case ev, ok := <-fw.Events:
				if !ok {
					close(fileCh)
					wg.Wait()
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					name := filepath.Base(ev.Name)
					if isSupportedExt(name) {
						pending[name] = time.Now()
					}
				}
			case <-ticker.C:
				now := time.Now()
				for name, t := range pending {
					if now.Sub(t) > 300*time.Millisecond {
						fileCh <- name
						delete(pending, name)
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					close(fileCh)
					wg.Wait()
					return
				}
				log.Printf("avatar watch error: %v", err)
			}
		}
	}()
	log.Printf("avatar watcher on %s", incoming)
	return nil
}

// Stop halts the watcher and waits for in-flight thumbnails.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// process resizes one incoming photo and links the thumb to its profile.
// Idempotent: reprocessing a file just rewrites the same thumbnail.
func (w *Watcher) process(name string) {
	src := filepath.Join(IncomingDir(w.base), name)
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		log.Printf("avatar %s: decode failed: %v", name, err)
		return
	}
	thumb := imaging.Fit(img, thumbSide, thumbSide, imaging.Lanczos)
	dst := filepath.Join(ThumbsDir(w.base), name)
	if err := imaging.Save(thumb, dst); err != nil {
		log.Printf("avatar %s: save thumb: %v", name, err)
		return
	}

	profileID, ok := parseProfileID(name)
	if !ok {
		log.Printf("avatar %s: no profile id prefix, thumb generated only", name)
		return
	}
	err = w.db.Model(&models.Profile{}).
		Where("id = ?", profileID).
		Updates(map[string]interface{}{
			"avatar_path": filepath.Join("incoming", name),
			"thumb_path":  filepath.Join("thumbs", name),
		}).Error
	if err != nil {
		log.Printf("avatar %s: link to profile %d: %v", name, profileID, err)
	}
}

func parseProfileID(name string) (uint, bool) {
	i := strings.IndexByte(name, '_')
	if i <= 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:i], 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func listImageFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func isSupportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}
