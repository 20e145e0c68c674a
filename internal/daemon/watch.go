package daemon

import (
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollFallback  = 3 * time.Second
)

// watchRoutes reloads the route table whenever the routes file changes,
// using fsnotify on the state directory when available and falling back
// to polling if the watcher cannot be set up (e.g. the directory cannot be
// watched, or the platform lacks inotify/kqueue support). It returns a
// stop function.
func (d *Daemon) watchRoutes() func() {
	stop := make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("portless: fsnotify unavailable, falling back to polling: %v", err)
		go d.pollRoutes(stop)
		return func() { close(stop) }
	}

	if err := watcher.Add(d.locator.Dir); err != nil {
		log.Printf("portless: failed to watch state dir, falling back to polling: %v", err)
		watcher.Close()
		go d.pollRoutes(stop)
		return func() { close(stop) }
	}

	go d.watchLoop(watcher, stop)
	return func() {
		close(stop)
		watcher.Close()
	}
}

func (d *Daemon) watchLoop(watcher *fsnotify.Watcher, stop chan struct{}) {
	var debounce *time.Timer
	routesPath := d.locator.RoutesFile()

	for {
		select {
		case <-stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != routesPath {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, d.reloadRoutes)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("portless: route watcher error: %v", err)
		}
	}
}

func (d *Daemon) pollRoutes(stop chan struct{}) {
	ticker := time.NewTicker(pollFallback)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.reloadRoutes()
		}
	}
}
