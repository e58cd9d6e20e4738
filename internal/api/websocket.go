package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"portfolio-orchestrator/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamQuery struct {
	PortfolioID string `form:"portfolio_id"`
	After       *int64 `form:"after"`
}

// controlMessage tells a client about the stream itself rather than the domain.
type controlMessage struct {
	Type    string `json:"type"`
	LastSeq int64  `json:"last_seq"`
}

// websocket streams a portfolio's events, or every portfolio's events when
// portfolio_id is omitted. With after set, retained events past that sequence
// are replayed before live ones. Events the subscriber missed while slow are
// filled in from the replay window.
func (s *Server) websocket(c *gin.Context) {
	var q streamQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	if q.PortfolioID != "" {
		if _, err := s.orch.Portfolio(q.PortfolioID); err != nil {
			respondError(c, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	hub := s.orch.Hub()
	sub := hub.Subscribe(q.PortfolioID, c.GetString("RequestID"))
	defer hub.Unsubscribe(sub)
	log := s.log.With().Str("subscriber", sub.ID).Str("portfolio_id", q.PortfolioID).Logger()
	log.Debug().Msg("ws subscribed")

	last := make(map[string]int64)
	write := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			log.Debug().Err(err).Msg("ws write failed")
			return false
		}
		return true
	}
	// replay sends retained events of a portfolio after its last delivered
	// sequence, up to and including upTo when upTo is positive.
	replay := func(portfolioID string, upTo int64) bool {
		events, truncated := hub.Events(portfolioID, last[portfolioID], s.cfg.ReplayLimit)
		if truncated && !write(controlMessage{Type: "replay_truncated", LastSeq: last[portfolioID]}) {
			return false
		}
		for _, ev := range events {
			if upTo > 0 && ev.Seq > upTo {
				break
			}
			if !write(ev) {
				return false
			}
			last[portfolioID] = ev.Seq
		}
		return true
	}

	if q.PortfolioID != "" && q.After != nil {
		last[q.PortfolioID] = *q.After
		if !replay(q.PortfolioID, 0) {
			return
		}
	}

	// The reader only services control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
				return
			}
			if !forward(ev, last, write, replay) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			log.Debug().Msg("ws client gone")
			return
		}
	}
}

// forward delivers a live event once, filling any gap since the last one.
func forward(ev models.Event, last map[string]int64, write func(any) bool, replay func(string, int64) bool) bool {
	prev, seen := last[ev.PortfolioID]
	if seen && ev.Seq <= prev {
		return true
	}
	if seen && ev.Seq > prev+1 {
		if !replay(ev.PortfolioID, ev.Seq) {
			return false
		}
		if last[ev.PortfolioID] >= ev.Seq {
			return true
		}
	}
	if !write(ev) {
		return false
	}
	last[ev.PortfolioID] = ev.Seq
	return true
}
