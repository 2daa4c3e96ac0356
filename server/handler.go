package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/service"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errBadPixels    = errors.New("pixels must be a 2D or 3D array of integers in [0, 255]")
)

// Captioner is the caption operation the HTTP layer depends on.
type Captioner interface {
	Caption(ctx context.Context, in service.Input) (string, error)
}

type Options struct {
	Token       string
	MaxUploadMB int64
	// MaxPixels bounds width*height of uploaded images.
	MaxPixels   int64
}

type Server struct {
	captioner Captioner
	gallery   *Gallery
	metrics   *Metrics
	opts      Options
}

func New(captioner Captioner, gallery *Gallery, opts Options) *Server {
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 10
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = service.DefaultMaxPixels
	}
	return &Server{
		captioner: captioner,
		gallery:   gallery,
		metrics:   NewMetrics(),
		opts:      opts,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger())
	r.SetHTMLTemplate(indexTemplate)

	r.GET("/", s.IndexHandler)
	r.GET("/health", HealthHandler)
	r.GET("/metrics", s.metrics.Handler())

	r.GET("/examples", s.ExamplesHandler)
	r.GET("/examples/:name", s.ExampleHandler)
	r.GET("/examples/:name/image", s.ExampleImageHandler)

	api := r.Group("/caption", s.authMiddleware())
	api.POST("", s.CaptionHandler)
	api.POST("/pixels", s.PixelsHandler)
	return r
}

func (s *Server) authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := s.opts.Token
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticate(c); err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "authentication failed"})
			return
		}
		c.Next()
	}
}

// CaptionHandler captions a multipart upload in field "file" or "image".
// A request without a file gets the empty-input prompt.
func (s *Server) CaptionHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadMB<<20)

	fileHeader, err := formFile(c, "file", "image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			s.respondCaption(c, "upload", nil)
			return
		}
		s.metrics.CaptionTotal.WithLabelValues("upload", "bad_request").Inc()
		c.JSON(400, gin.H{"error": "failed to read upload"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.metrics.CaptionTotal.WithLabelValues("upload", "bad_request").Inc()
		c.JSON(400, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer file.Close()

	img, format, err := service.DecodeImage(file, s.opts.MaxPixels)
	if errors.Is(err, service.ErrImageTooLarge) {
		s.metrics.CaptionTotal.WithLabelValues("upload", "bad_request").Inc()
		c.JSON(400, gin.H{"error": "image too large"})
		return
	}
	if err != nil {
		s.metrics.CaptionTotal.WithLabelValues("upload", "bad_request").Inc()
		c.JSON(400, gin.H{"error": "unsupported or corrupt image"})
		return
	}
	slog.Debug("Received upload",
		slog.String("filename", fileHeader.Filename),
		slog.String("format", format),
		slog.Int("width", img.Bounds().Dx()),
		slog.Int("height", img.Bounds().Dy()))

	s.respondCaption(c, "upload", service.Decoded{Image: img})
}

func formFile(c *gin.Context, fields ...string) (*multipart.FileHeader, error) {
	var err error
	for _, f := range fields {
		var fh *multipart.FileHeader
		fh, err = c.FormFile(f)
		if err == nil {
			return fh, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, err
		}
	}
	return nil, err
}

type pixelsRequest struct {
	Pixels json.RawMessage `json:"pixels"`
}

// PixelsHandler captions a raw H x W or H x W x C pixel array.
func (s *Server) PixelsHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadMB<<20)

	var req pixelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.CaptionTotal.WithLabelValues("pixels", "bad_request").Inc()
		c.JSON(400, gin.H{"error": "invalid JSON"})
		return
	}
	raw, err := ParsePixels(req.Pixels)
	if err != nil {
		s.metrics.CaptionTotal.WithLabelValues("pixels", "bad_request").Inc()
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	var in service.Input
	if len(raw.Data) > 0 {
		in = raw
	}
	s.respondCaption(c, "pixels", in)
}

func (s *Server) respondCaption(c *gin.Context, source string, in service.Input) {
	if service.IsEmpty(in) {
		s.metrics.CaptionTotal.WithLabelValues(source, "empty").Inc()
	}
	start := time.Now()
	caption, err := s.captioner.Caption(c.Request.Context(), in)
	if err != nil {
		s.metrics.CaptionTotal.WithLabelValues(source, "error").Inc()
		slog.Error("Caption failed",
			slog.String("source", source),
			slog.String("request_id", c.GetString(requestIDKey)),
			slog.String("error", err.Error()))
		c.JSON(500, gin.H{"error": "caption failed"})
		return
	}
	if !service.IsEmpty(in) {
		s.metrics.CaptionDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
		s.metrics.CaptionTotal.WithLabelValues(source, "ok").Inc()
	}
	c.JSON(200, service.CaptionResult{Caption: caption})
}

// ParsePixels accepts null, [] or a rectangular 2D/3D array of bytes.
func ParsePixels(data json.RawMessage) (service.RawPixels, error) {
	if len(data) == 0 || string(data) == "null" {
		return service.RawPixels{}, nil
	}

	var cube [][][]float64
	if err := json.Unmarshal(data, &cube); err == nil {
		return pixelsFromCube(cube)
	}
	var plane [][]float64
	if err := json.Unmarshal(data, &plane); err == nil {
		return pixelsFromCube(planeToCube(plane))
	}
	return service.RawPixels{}, errBadPixels
}

func planeToCube(plane [][]float64) [][][]float64 {
	cube := make([][][]float64, len(plane))
	for y, row := range plane {
		cube[y] = make([][]float64, len(row))
		for x, v := range row {
			cube[y][x] = []float64{v}
		}
	}
	return cube
}

func pixelsFromCube(cube [][][]float64) (service.RawPixels, error) {
	if len(cube) == 0 {
		return service.RawPixels{}, nil
	}
	if len(cube[0]) == 0 {
		return service.RawPixels{}, fmt.Errorf("%w: empty row", errBadPixels)
	}
	h, w, ch := len(cube), len(cube[0]), len(cube[0][0])
	if ch != 1 && ch != 3 && ch != 4 {
		return service.RawPixels{}, fmt.Errorf("%w: %d channels", errBadPixels, ch)
	}
	out := service.RawPixels{Height: h, Width: w, Channels: ch, Data: make([]uint8, 0, h*w*ch)}
	for _, row := range cube {
		if len(row) != w {
			return service.RawPixels{}, fmt.Errorf("%w: ragged rows", errBadPixels)
		}
		for _, px := range row {
			if len(px) != ch {
				return service.RawPixels{}, fmt.Errorf("%w: ragged channels", errBadPixels)
			}
			for _, v := range px {
				if v < 0 || v > 255 || v != math.Trunc(v) {
					return service.RawPixels{}, fmt.Errorf("%w: value %v", errBadPixels, v)
				}
				out.Data = append(out.Data, uint8(v))
			}
		}
	}
	return out, nil
}

func (s *Server) ExamplesHandler(c *gin.Context) {
	c.JSON(200, gin.H{"examples": s.gallery.List()})
}

func (s *Server) ExampleHandler(c *gin.Context) {
	ex, ok := s.gallery.Get(c.Param("name"))
	if !ok {
		c.JSON(404, gin.H{"error": "example not found"})
		return
	}
	s.metrics.CaptionTotal.WithLabelValues("example", "ok").Inc()
	c.JSON(200, ex)
}

func (s *Server) ExampleImageHandler(c *gin.Context) {
	ex, ok := s.gallery.Get(c.Param("name"))
	if !ok {
		c.JSON(404, gin.H{"error": "example not found"})
		return
	}
	c.File(ex.path)
}

func HealthHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "healthy"})
}
