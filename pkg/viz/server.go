package viz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"image/png"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/norasector/tandem/pkg/device"
	"github.com/norasector/tandem/pkg/device/camera"
	"github.com/norasector/tandem/pkg/device/daq"
	"github.com/norasector/tandem/pkg/pipeline"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FrameSource is a camera seen through its preview slot.
type FrameSource interface {
	Name() string
	CurrentFrame() (*camera.Frame, bool)
}

// SampleSource is a DAQ seen through its preview ring.
type SampleSource interface {
	Name() string
	PreviewSnapshot() []float64
	Channels() []daq.Channel
	ScanRate() float64
}

const maxCachedImages = 32

type ImageContainer struct {
	data     []byte
	rendered time.Time
}

// Server renders previews on request. Rendered images are cached for one
// update interval so several viewers do not multiply the plotting work.
type Server struct {
	mu             sync.RWMutex
	srv            *http.Server
	updateInterval time.Duration
	enabled        bool
	cameras        map[string]FrameSource
	daqs           map[string]SampleSource
	status         func() []device.Status
	images         map[string]*ImageContainer
	logger         zerolog.Logger
}

type Option func(s *Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(port int, updateInterval time.Duration, opts ...Option) *Server {
	s := &Server{
		srv:            &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval: updateInterval,
		enabled:        true,
		cameras:        make(map[string]FrameSource),
		daqs:           make(map[string]SampleSource),
		images:         make(map[string]*ImageContainer),
		logger:         log.Logger,
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

func (s *Server) AddCamera(c FrameSource) {
	s.mu.Lock()
	s.cameras[c.Name()] = c
	s.mu.Unlock()
}

func (s *Server) AddDAQ(d SampleSource) {
	s.mu.Lock()
	s.daqs[d.Name()] = d
	s.mu.Unlock()
}

func (s *Server) SetStatus(fn func() []device.Status) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

func (s *Server) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cameras)+len(s.daqs))
	for name := range s.cameras {
		names = append(names, name)
	}
	for name := range s.daqs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("preview server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Add("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>tandem</title></head><body style='background-color: black; color: white'><ul>`)
		for _, name := range s.names() {
			n := html.EscapeString(name)
			fmt.Fprintf(w, `<li><a style="color: white" href="/view/%s">%s</a></li>`, n, n)
		}
		fmt.Fprint(w, `</ul><a style="color: white" href="/status">status</a></body></html>`)
	})

	handler.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.mu.RLock()
		status := s.status
		s.mu.RUnlock()

		var out []device.Status
		if status != nil {
			out = status()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			s.logger.Warn().Err(err).Msg("error writing status")
		}
	})

	handler.GET("/view/:device", s.view)
	handler.GET("/preview/:device", s.image(false))
	handler.GET("/spectrum/:device", s.image(true))
	return handler
}

func (s *Server) view(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("device")

	s.mu.RLock()
	_, isCam := s.cameras[name]
	src, isDAQ := s.daqs[name]
	interval := s.updateInterval
	s.mu.RUnlock()

	var imgs []string
	switch {
	case isCam:
		imgs = []string{"/preview/" + name}
	case isDAQ:
		for _, ch := range src.Channels() {
			q := "?channel=" + ch.Label
			imgs = append(imgs, "/preview/"+name+q, "/spectrum/"+name+q)
		}
	default:
		http.NotFound(w, r)
		return
	}

	w.Header().Add("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><head><title>%s</title></head>`, html.EscapeString(name))
	fmt.Fprintf(w, `
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("&t=")[0] + "&t=" + new Date().getTime();
						}
					}, %d, img);
				}
			}
		</script>`, len(imgs), interval.Milliseconds())
	fmt.Fprint(w, `<body style='background-color: black'><button onclick="toggleOn()">Refresh?</button>`)
	fmt.Fprint(w, `<div style="display: flex; flex-direction: row; flex-wrap: wrap">`)
	for idx, src := range imgs {
		sep := "?"
		if strings.Contains(src, "?") {
			sep = "&"
		}
		fmt.Fprintf(w, `<div><img id="graph-%d" src="%s%st=%d" /></div>`, idx, html.EscapeString(src), sep, time.Now().UnixMicro())
	}
	fmt.Fprint(w, `</div></body></html>`)
}

func (s *Server) image(spectrum bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		name := params.ByName("device")
		channel := r.URL.Query().Get("channel")
		lowpass := r.URL.Query().Get("lowpass")

		s.mu.RLock()
		enabled := s.enabled
		cam, isCam := s.cameras[name]
		src, isDAQ := s.daqs[name]
		s.mu.RUnlock()

		if !enabled {
			http.Error(w, "preview disabled", http.StatusServiceUnavailable)
			return
		}
		if !isCam && !isDAQ || isCam && spectrum {
			http.NotFound(w, r)
			return
		}

		var cutoff float64
		if lowpass != "" && !isCam {
			f, err := strconv.ParseFloat(lowpass, 64)
			if err != nil || f <= 0 {
				http.Error(w, fmt.Sprintf("invalid lowpass cutoff %q", lowpass), http.StatusBadRequest)
				return
			}
			cutoff = f
		}

		key := fmt.Sprintf("%t/%s/%s/%g", spectrum, name, channel, cutoff)
		if data, ok := s.cached(key); ok {
			writePNG(w, data)
			return
		}

		var data []byte
		var err error
		status := http.StatusInternalServerError
		if isCam {
			data, status, err = renderFrame(cam)
		} else {
			data, status, err = renderChannel(src, channel, cutoff, spectrum)
		}
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}

		s.store(key, data)
		writePNG(w, data)
	}
}

// store caches an image after dropping entries older than the update
// interval. When still full, the oldest entry goes.
func (s *Server) store(key string, data []byte) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, img := range s.images {
		if now.Sub(img.rendered) >= s.updateInterval {
			delete(s.images, k)
		}
	}
	if _, ok := s.images[key]; !ok && len(s.images) >= maxCachedImages {
		var oldest string
		var oldestAt time.Time
		for k, img := range s.images {
			if oldest == "" || img.rendered.Before(oldestAt) {
				oldest, oldestAt = k, img.rendered
			}
		}
		delete(s.images, oldest)
	}
	s.images[key] = &ImageContainer{data: data, rendered: now}
}

func (s *Server) cached(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	img, ok := s.images[key]
	if !ok || time.Since(img.rendered) >= s.updateInterval {
		return nil, false
	}
	return img.data, true
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Add("Content-Type", "image/png")
	w.Write(data)
}

func renderFrame(cam FrameSource) ([]byte, int, error) {
	f, ok := cam.CurrentFrame()
	if !ok {
		return nil, http.StatusNotFound, fmt.Errorf("no frame from %s yet", cam.Name())
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, f.Image()); err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return buf.Bytes(), http.StatusOK, nil
}

// renderChannel plots one channel, low pass filtered first when cutoff > 0.
func renderChannel(src SampleSource, channel string, cutoff float64, spectrum bool) ([]byte, int, error) {
	chs := src.Channels()
	if len(chs) == 0 {
		return nil, http.StatusNotFound, fmt.Errorf("%s has no channels", src.Name())
	}
	idx := 0
	if channel != "" {
		idx = daq.Index(chs, channel)
		if idx < 0 {
			if n, err := strconv.Atoi(channel); err == nil && n >= 0 && n < len(chs) {
				idx = n
			} else {
				return nil, http.StatusBadRequest, fmt.Errorf("unknown channel %q", channel)
			}
		}
	}

	samples := pipeline.Deinterleave(src.PreviewSnapshot(), idx, len(chs))
	label := fmt.Sprintf("%s %s <%s>", src.Name(), chs[idx].Name, chs[idx].Label)
	if rate := src.ScanRate(); cutoff > 0 && cutoff < rate/2 && len(samples) > 0 {
		samples = Filter(samples, LowPassTaps(rate, cutoff, 0))
		label += fmt.Sprintf(" lp %gHz", cutoff)
	}
	var data []byte
	var err error
	if spectrum {
		data, err = SpectrumPlot(label, samples, src.ScanRate())
	} else {
		data, err = ChannelPlot(label, samples, src.ScanRate())
	}
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return data, http.StatusOK, nil
}
