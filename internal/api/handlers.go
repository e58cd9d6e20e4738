package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/execution"
	"portfolio-orchestrator/internal/models"
)

type createPortfolioRequest struct {
	Owner       string          `json:"owner" binding:"required,min=1,max=120"`
	InitialCash decimal.Decimal `json:"initial_cash"`
}

type createBotRequest struct {
	Name                string          `json:"name" binding:"required,min=1,max=120"`
	Description         string          `json:"description" binding:"max=1000"`
	AllocatedPercentage decimal.Decimal `json:"allocated_percentage"`
}

type updateBotRequest struct {
	Name        *string `json:"name" binding:"omitempty,min=1,max=120"`
	Description *string `json:"description" binding:"omitempty,max=1000"`
}

type allocationRequest struct {
	AllocatedPercentage decimal.Decimal `json:"allocated_percentage"`
}

type settlementRequest struct {
	Status     models.ExecutionStatus `json:"status" binding:"required,oneof=completed failed cancelled"`
	Price      *decimal.Decimal       `json:"price"`
	Quantity   *decimal.Decimal       `json:"quantity"`
	ExecutedAt *time.Time             `json:"executed_at"`
	Error      string                 `json:"error"`
}

func (r settlementRequest) settlement() models.Settlement {
	s := models.Settlement{
		Status:   r.Status,
		Price:    r.Price,
		Quantity: r.Quantity,
		Error:    r.Error,
	}
	if r.ExecutedAt != nil {
		s.ExecutedAt = *r.ExecutedAt
	}
	return s
}

type recordExecutionRequest struct {
	AlgorithmID string               `json:"algorithm_id"`
	Type        models.ExecutionType `json:"execution_type" binding:"required,oneof=buy sell analysis"`
	Symbol      string               `json:"symbol"`
	Quantity    decimal.Decimal      `json:"quantity"`
	Price       decimal.Decimal      `json:"price"`
	// Settlement, when present, settles the new execution in the same call.
	Settlement *settlementRequest `json:"settlement"`
}

type createAlgorithmRequest struct {
	Template        string               `json:"template"`
	Name            string               `json:"algorithm_name" binding:"max=120"`
	Type            models.AlgorithmType `json:"algorithm_type"`
	Symbols         []string             `json:"symbols"`
	PositionSize    float64              `json:"position_size"`
	MaxPositionSize float64              `json:"max_position_size"`
	StopLoss        float64              `json:"stop_loss"`
	TakeProfit      float64              `json:"take_profit"`
	RiskPerTrade    float64              `json:"risk_per_trade"`
	Enabled         *bool                `json:"enabled"`
	Parameters      map[string]any       `json:"parameters"`
}

func (r createAlgorithmRequest) draft() algorithm.Draft {
	return algorithm.Draft{
		Name:            r.Name,
		Type:            r.Type,
		Symbols:         r.Symbols,
		PositionSize:    r.PositionSize,
		MaxPositionSize: r.MaxPositionSize,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		RiskPerTrade:    r.RiskPerTrade,
		Enabled:         r.Enabled,
		Parameters:      r.Parameters,
	}
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type pageQuery struct {
	After int64 `form:"after"`
	Limit int   `form:"limit"`
}

func (q *pageQuery) normalize(ceiling int) {
	if q.Limit <= 0 || q.Limit > ceiling {
		q.Limit = ceiling
	}
	if q.After < 0 {
		q.After = 0
	}
}

type templateQuery struct {
	Category   string `form:"category"`
	Difficulty string `form:"difficulty"`
}

// Portfolios

func (s *Server) listPortfolios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"portfolios": s.orch.Portfolios()})
}

func (s *Server) createPortfolio(c *gin.Context) {
	var req createPortfolioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.orch.CreatePortfolio(c.Request.Context(), strings.TrimSpace(req.Owner), req.InitialCash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) getPortfolio(c *gin.Context) {
	p, err := s.orch.Portfolio(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getSummary(c *gin.Context) {
	sum, err := s.orch.Summary(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) listEvents(c *gin.Context) {
	portfolioID := c.Param("id")
	if _, err := s.orch.Portfolio(portfolioID); err != nil {
		respondError(c, err)
		return
	}
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.normalize(s.cfg.ReplayLimit)
	events, truncated := s.orch.Hub().Events(portfolioID, q.After, q.Limit)
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"truncated": truncated,
		"last_seq":  s.orch.Hub().LastSeq(portfolioID),
	})
}

// Bots

func (s *Server) listBots(c *gin.Context) {
	bots, err := s.orch.Bots(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bot, err := s.orch.CreateBot(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Name), req.Description, req.AllocatedPercentage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) getBot(c *gin.Context) {
	bot, err := s.orch.Bot(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) updateBot(c *gin.Context) {
	var req updateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bot, err := s.orch.UpdateBot(c.Request.Context(), c.Param("id"), req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) deleteBot(c *gin.Context) {
	if err := s.orch.DeleteBot(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateAllocation(c *gin.Context) {
	var req allocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bot, err := s.orch.UpdateAllocation(c.Request.Context(), c.Param("id"), req.AllocatedPercentage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bot)
}

// botCommand adapts a lifecycle command to a handler.
func (s *Server) botCommand(cmd func(context.Context, string) (models.TradingBot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		bot, err := cmd(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, bot)
	}
}

func (s *Server) getHoldings(c *gin.Context) {
	hs, err := s.orch.Holdings(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if hs == nil {
		hs = []models.Holding{}
	}
	c.JSON(http.StatusOK, gin.H{"holdings": hs})
}

func (s *Server) getBotPerformance(c *gin.Context) {
	perf, err := s.orch.BotPerformance(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

func (s *Server) getValueSeries(c *gin.Context) {
	points, err := s.orch.ValueSeries(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": points})
}

// Executions

func (s *Server) listExecutions(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	q.normalize(500)
	execs, err := s.orch.Executions(c.Param("id"), q.After, q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if execs == nil {
		execs = []models.BotExecution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

func (s *Server) recordExecution(c *gin.Context) {
	var req recordExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d := execution.Draft{
		AlgorithmID: req.AlgorithmID,
		Type:        req.Type,
		Symbol:      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Quantity:    req.Quantity,
		Price:       req.Price,
	}
	var (
		e   models.BotExecution
		err error
	)
	if req.Settlement != nil {
		e, err = s.orch.RecordSettled(c.Request.Context(), c.Param("id"), d, req.Settlement.settlement())
	} else {
		e, err = s.orch.RecordExecution(c.Request.Context(), c.Param("id"), d)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) getExecution(c *gin.Context) {
	e, err := s.orch.Execution(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) settleExecution(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e, err := s.orch.SettleExecution(c.Request.Context(), c.Param("id"), req.settlement())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// Algorithms

func (s *Server) listAlgorithms(c *gin.Context) {
	algos, err := s.orch.Algorithms(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"algorithms": algos})
}

func (s *Server) createAlgorithm(c *gin.Context) {
	var req createAlgorithmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var (
		cfg models.AlgorithmConfig
		err error
	)
	if req.Template != "" {
		cfg, err = s.orch.CreateAlgorithmFromTemplate(c.Request.Context(), c.Param("id"), req.Template, req.draft())
	} else {
		cfg, err = s.orch.CreateAlgorithm(c.Request.Context(), c.Param("id"), req.draft())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) getAlgorithm(c *gin.Context) {
	cfg, err := s.orch.Algorithm(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) deleteAlgorithm(c *gin.Context) {
	if err := s.orch.DeleteAlgorithm(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateParameters(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := s.orch.UpdateAlgorithmParameters(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) toggleAlgorithm(c *gin.Context) {
	cfg, err := s.orch.ToggleAlgorithm(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) setEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cfg, err := s.orch.SetAlgorithmEnabled(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getSchema(c *gin.Context) {
	specs, err := s.orch.ParameterSchema(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": specs})
}

func (s *Server) getAlgorithmPerformance(c *gin.Context) {
	perf, err := s.orch.AlgorithmPerformance(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

func (s *Server) listTemplates(c *gin.Context) {
	var q templateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": s.orch.Templates(q.Category, q.Difficulty)})
}
