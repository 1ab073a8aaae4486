package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fuse/internal/async"
	"fuse/internal/webhook"
)

// Webhook request bodies above this size are rejected before validation.
const maxWebhookBody = 1 << 20

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

const streamPingInterval = 30 * time.Second

// webhookErrorResponse keeps the summary shape on failures and adds the
// reason.
type webhookErrorResponse struct {
	webhook.Summary
	Error string `json:"error"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	service := c.Param("service")
	if !s.limiters.allow(service) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	// The raw body is read before any parsing: signature schemes sign the
	// exact bytes on the wire.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body unreadable or too large"})
		return
	}

	summary, err := s.receiver.Receive(c.Request.Context(), webhook.Delivery{
		Service:    service,
		Header:     c.Request.Header,
		Body:       body,
		ReceivedAt: s.now().UTC(),
	})
	if err != nil {
		status := statusForReceiveError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Webhook delivery for %s failed: %v", service, err)
		}
		c.JSON(status, webhookErrorResponse{Summary: summary, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// statusForReceiveError maps receiver errors onto HTTP statuses. Missing
// secrets and unconfigured schemes are server faults and fail closed with a
// 500 rather than letting unverified deliveries through.
func statusForReceiveError(err error) int {
	switch {
	case errors.Is(err, webhook.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, webhook.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, webhook.ErrMalformedPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type aboutRef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type aboutService struct {
	Name      string     `json:"name"`
	Actions   []aboutRef `json:"actions"`
	Reactions []aboutRef `json:"reactions"`
}

type aboutServer struct {
	CurrentTime int64          `json:"current_time"`
	Services    []aboutService `json:"services"`
}

type aboutClient struct {
	Host string `json:"host"`
}

type aboutResponse struct {
	Client aboutClient `json:"client"`
	Server aboutServer `json:"server"`
}

// handleAbout publishes the discovery document: who is asking, what time the
// server thinks it is, and every service with its actions and reactions.
func (s *Server) handleAbout(c *gin.Context) {
	services := s.catalog.Services()
	out := make([]aboutService, 0, len(services))
	for _, svc := range services {
		entry := aboutService{
			Name:      svc.Name,
			Actions:   make([]aboutRef, 0, len(svc.Actions())),
			Reactions: make([]aboutRef, 0, len(svc.Reactions())),
		}
		for _, action := range svc.Actions() {
			entry.Actions = append(entry.Actions, aboutRef{Name: action.Name, Description: action.Description})
		}
		for _, reaction := range svc.Reactions() {
			entry.Reactions = append(entry.Reactions, aboutRef{Name: reaction.Name, Description: reaction.Description})
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, aboutResponse{
		Client: aboutClient{Host: c.ClientIP()},
		Server: aboutServer{
			CurrentTime: s.now().Unix(),
			Services:    out,
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": s.now().Sub(s.started).Round(time.Second).String(),
	}
	if len(s.degraded) > 0 {
		body["status"] = "degraded"
		body["degraded"] = s.degraded
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleJournalRecent(c *gin.Context) {
	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}

	c.JSON(http.StatusOK, gin.H{"entries": s.journal.Recent(limit)})
}

// handleJournalStream upgrades to a websocket and forwards journal entries
// as they are published. One goroutine drains client frames so pings are
// answered and closes are noticed.
func (s *Server) handleJournalStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Journal stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	entries, cancel := s.journal.Subscribe()
	defer cancel()

	done := make(chan struct{})
	async.Go(s.logger, "journal-stream-reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
