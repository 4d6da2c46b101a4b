package viz

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// viewedWindow is how long after the last page or image request a bucket
// keeps being rendered.
const viewedWindow = time.Second

// Server renders the producers of a bucket only while someone is looking at
// that bucket.
type Server struct {
	mu              sync.RWMutex
	images          map[string]map[string]*ImageContainer
	producerBuckets map[string]map[string]Producer
	lastViewed      map[string]time.Time
	updateInterval  time.Duration
	enabled         bool

	srv    *http.Server
	logger zerolog.Logger
}

type ServerOption func(s *Server)

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(port int, updateInterval time.Duration, opts ...ServerOption) *Server {
	s := &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		enabled:         true,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

func (s *Server) SetUpdateInterval(interval time.Duration) {
	s.mu.Lock()
	s.updateInterval = interval
	s.mu.Unlock()
}

func (s *Server) Register(bucket string, p Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	producers, ok := s.producerBuckets[bucket]
	if !ok {
		producers = make(map[string]Producer)
		s.producerBuckets[bucket] = producers
	}
	producers[p.Name()] = p
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

// refresh renders every producer of the buckets viewed recently.
func (s *Server) refresh() {
	s.mu.RLock()
	if !s.enabled {
		s.mu.RUnlock()
		return
	}
	work := make(map[string][]Producer)
	for bucket, producers := range s.producerBuckets {
		if time.Since(s.lastViewed[bucket]) >= viewedWindow {
			continue
		}
		for _, p := range producers {
			work[bucket] = append(work[bucket], p)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for bucket, producers := range work {
		for _, p := range producers {
			wg.Add(1)
			go func(bucket string, p Producer) {
				defer wg.Done()
				img := p.GetImage()
				if img == nil {
					return
				}
				s.mu.Lock()
				mb, ok := s.images[bucket]
				if !ok {
					mb = make(map[string]*ImageContainer)
					s.images[bucket] = mb
				}
				mb[img.name] = img
				s.mu.Unlock()
			}(bucket, p)
		}
	}
	wg.Wait()
}

func (s *Server) interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateInterval
}

// Handler returns the HTTP routes: an index redirect, one page per bucket
// and the PNG of each producer.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.handleIndex)
	router.GET("/view/:bucket", s.handleView)
	router.GET("/img/:bucket/:img", s.handleImage)
	return router
}

func (s *Server) bucketNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.producerBuckets))
	for key := range s.producerBuckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	names := s.bucketNames()
	if len(names) == 0 {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/view/"+url.PathEscape(names[0]), http.StatusFound)
}

var viewTemplate = template.Must(template.New("view").Parse(`<html><head><title>sdrlink viz</title>
<script type="text/javascript">
	var refresh = true;
	function toggleRefresh() { refresh = !refresh; }
	function changeBucket() {
		window.location.href = '/view/' + encodeURIComponent(document.getElementById('bucketSelector').value);
	}
	window.onload = function() {
		var images = document.getElementsByTagName('img');
		for (var i = 0; i < images.length; i++) {
			setInterval(function(image) {
				if (refresh) {
					image.src = image.src.split("?")[0] + "?" + new Date().getTime();
				}
			}, {{.IntervalMs}}, images[i]);
		}
	}
</script></head>
<body style="background-color: black">
<select id="bucketSelector" onchange="changeBucket()">
{{range .Buckets}}<option value="{{.}}"{{if eq . $.Bucket}} selected{{end}}>{{.}}</option>
{{end}}</select>
<button onclick="toggleRefresh()">Refresh?</button>
<div style="display: flex; flex-direction: row; flex-wrap: wrap">
{{range .Images}}<div><img src="/img/{{$.Bucket}}/{{.}}?{{$.Now}}" /></div>
{{end}}</div>
</body></html>`))

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	producers, ok := s.producerBuckets[bucket]
	names := make([]string, 0, len(producers))
	for name := range producers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	sort.Strings(names)
	s.markViewed(bucket)

	w.Header().Set("Content-Type", "text/html")
	err := viewTemplate.Execute(w, struct {
		Bucket     string
		Buckets    []string
		Images     []string
		IntervalMs int64
		Now        int64
	}{
		Bucket:     bucket,
		Buckets:    s.bucketNames(),
		Images:     names,
		IntervalMs: s.interval().Milliseconds(),
		Now:        time.Now().UnixNano() / int64(time.Microsecond),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("bucket", bucket).Msg("failed to render viz page")
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucketName := params.ByName("bucket")
	s.markViewed(bucketName)

	s.mu.RLock()
	img, ok := s.images[bucketName][params.ByName("img")]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(img.data)
}

// Run renders on the update interval and serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(s.interval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refresh()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting viz server")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
