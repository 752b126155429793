package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reasonstostay/letterflow/internal/letters"
	"github.com/reasonstostay/letterflow/internal/pump"
)

const dashboardDiagnostics = 10

type dashboardResponse struct {
	Counts       map[letters.Stage]int `json:"counts"`
	Backlog      int                   `json:"backlog"`
	ScanSettings pump.Settings         `json:"scanSettings"`
	Turbo        *pump.TurboState      `json:"turbo,omitempty"`
	Import       any                   `json:"import,omitempty"`
	QueueKind    string                `json:"queueKind"`
	QueueDepth   *int                  `json:"queueDepth,omitempty"`
	Recent       any                   `json:"recentDiagnostics,omitempty"`
}

// handleDashboard gathers the admin overview. Sections that fail are left out
// and logged so one broken service does not blank the page.
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	resp := dashboardResponse{QueueKind: s.deps.Queue.Kind()}

	var err error
	if s.deps.Analytics != nil {
		resp.Counts, err = s.deps.Analytics.Counts(ctx)
	} else {
		resp.Counts, err = s.deps.Store.CountLettersByStage(ctx)
	}
	if err != nil {
		s.writeDomainError(c, err)
		return
	}

	resp.ScanSettings, err = pump.LoadSettings(ctx, s.deps.Store)
	if err != nil {
		s.logger.Warn("dashboard scan settings unreadable", zap.Error(err))
	}
	resp.Backlog = resp.Counts[letters.StageUnprocessed]
	if resp.ScanSettings.TurboScope == pump.ScopeBoth {
		resp.Backlog += resp.Counts[letters.StageQuarantined]
	}
	if s.deps.Pump != nil {
		turbo := s.deps.Pump.TurboState(ctx)
		resp.Turbo = &turbo
	}
	if s.deps.Importer != nil {
		if status, ok, err := s.deps.Importer.Current(ctx); err != nil {
			s.logger.Warn("dashboard import status unreadable", zap.Error(err))
		} else if ok {
			resp.Import = gin.H{"status": status, "complete": status.Complete()}
		}
	}
	if depth, err := s.deps.Queue.Pending(ctx); err == nil {
		resp.QueueDepth = &depth
	}
	if s.deps.Diagnostics != nil {
		if entries, err := s.deps.Diagnostics.Entries(ctx, dashboardDiagnostics); err != nil {
			s.logger.Warn("dashboard diagnostics unreadable", zap.Error(err))
		} else {
			resp.Recent = entries
		}
	}
	c.JSON(http.StatusOK, resp)
}
