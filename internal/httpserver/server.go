package httpserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/thousand/internal/model"
	"github.com/tinytelemetry/thousand/internal/pipeline"
	"github.com/tinytelemetry/thousand/internal/pods"
	"github.com/tinytelemetry/thousand/internal/sketchfs"
	"github.com/tinytelemetry/thousand/internal/transform"
)

// DefaultMaxUploadBytes bounds the body of a sketch upload.
const DefaultMaxUploadBytes = 10 << 20

const eventHeartbeat = 15 * time.Second

// Sketches is the pipeline contract required by the HTTP API.
type Sketches interface {
	Ingest(ctx context.Context, raw []byte, meta model.Metadata) (model.Artifact, error)
	Retrieve(ctx context.Context, id int) (io.ReadCloser, error)
	Remove(ctx context.Context, target string) error
	Cached() int
}

// Subscriber hands out event streams for /api/events.
type Subscriber interface {
	Subscribe() (<-chan model.Event, func())
}

// LedgerStore is the narrow delivery ledger contract required by the HTTP API.
type LedgerStore interface {
	model.DeliveryReader
	ExecuteQuery(query string) ([]map[string]interface{}, error)
	GetSchemaDescription() string
	TableRowCounts() (map[string]int64, error)
}

// Config holds listener settings for the API server.
type Config struct {
	Addr           string
	MaxUploadBytes int64
}

// Server provides the HTTP API for uploading, serving and removing sketches.
type Server struct {
	addr      string
	maxUpload int64
	sketches  Sketches
	events    Subscriber
	ledger    LedgerStore
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. events and ledger may be nil;
// their routes then answer 503.
func NewServer(conf Config, sketches Sketches, events Subscriber, ledger LedgerStore) *Server {
	addr := conf.Addr
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	maxUpload := conf.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		maxUpload: maxUpload,
		sketches:  sketches,
		events:    events,
		ledger:    ledger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the gin engine with every API route registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/sketch", s.handleIngest)
	api.GET("/sketch/:containerId", s.handleRetrieve)
	api.DELETE("/sketch/:containerId", s.handleRemove)
	api.GET("/events", s.handleEvents)
	api.GET("/health", s.handleHealth)
	api.GET("/deliveries", s.handleDeliveries)
	api.GET("/schema", s.handleSchema)
	api.POST("/query", s.handleQuery)
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Slow pods can hold an upload for the full retry budget.
		WriteTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIngest(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	raw, err := io.ReadAll(body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", mbe.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	meta := model.Metadata{
		Name:         c.Query("name"),
		CUID:         c.Query("cuid"),
		SubmissionID: c.Query("submission_id"),
	}
	sketch, err := s.sketches.Ingest(c.Request.Context(), raw, meta)
	if err != nil {
		code := ingestStatus(err)
		log.Printf("httpserver: ingest failed (%d): %v", code, err)
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sketch)
}

func ingestStatus(err error) int {
	switch {
	case errors.Is(err, transform.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, transform.ErrEncode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pods.ErrNoPods):
		return http.StatusServiceUnavailable
	default:
		// Includes *sketchfs.PersistenceError.
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRetrieve(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("containerId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "containerId must be an integer"})
		return
	}

	rc, err := s.sketches.Retrieve(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sketchfs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("sketch %d not found", id)})
			return
		}
		log.Printf("httpserver: retrieve sketch %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read sketch"})
		return
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 4*1024)
	head, _ := br.Peek(512)
	c.DataFromReader(http.StatusOK, -1, http.DetectContentType(head), br, nil)
}

func (s *Server) handleRemove(c *gin.Context) {
	target := c.Param("containerId")
	if err := s.sketches.Remove(c.Request.Context(), target); err != nil {
		if errors.Is(err, pipeline.ErrInvalidID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("httpserver: remove %s: %v", target, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove sketch"})
		return
	}
	if target == pipeline.RemoveAll {
		c.String(http.StatusOK, "removed all")
		return
	}
	c.String(http.StatusOK, "removed")
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream disabled"})
		return
	}
	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(eventHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Payload)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
		"cached": s.sketches.Cached(),
	}
	if s.ledger != nil {
		counts, err := s.ledger.DeliveryCounts()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		byState := make(map[string]int64, len(counts))
		for _, sc := range counts {
			byState[sc.State] = sc.Count
		}
		resp["deliveries"] = byState
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeliveries(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery ledger disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	records, err := s.ledger.RecentDeliveries(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read deliveries"})
		return
	}
	if records == nil {
		records = []model.DeliveryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"deliveries": records,
		"count":      len(records),
	})
}

func (s *Server) handleSchema(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery ledger disabled"})
		return
	}
	description := s.ledger.GetSchemaDescription()

	tables, err := s.ledger.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.ledger.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"description": description,
		"tables":      schema,
		"row_counts":  counts,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery ledger disabled"})
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.ledger.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var columns []string
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}
