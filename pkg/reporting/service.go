package reporting

import (
	"context"
	"encoding/json"

	"github.com/datagen24/dshield-mcp-sub002/internal/backend"
	"github.com/datagen24/dshield-mcp-sub002/internal/health"
)

const reportFeature = "report_rendering"
const campaignTemplate = "campaign_summary"

// Service renders a ReportData through the external typesetter subprocess
// when its feature is healthy, falling back to the native PDF generator
// otherwise. A report can still be produced when the typesetter binary is
// unavailable, extending the health manager's never-fail-startup principle
// to the reporting path.
type Service struct {
	adapter *backend.ReportAdapter
	health  *health.Manager
	native  *PDFGenerator
}

func NewService(adapter *backend.ReportAdapter, healthMgr *health.Manager) *Service {
	return &Service{adapter: adapter, health: healthMgr, native: NewPDFGenerator()}
}

func (s *Service) Render(ctx context.Context, data *ReportData) ([]byte, error) {
	if s.adapter != nil && (s.health == nil || s.health.IsAvailable(reportFeature)) {
		if payload, err := json.Marshal(data); err == nil {
			if out, err := s.adapter.Render(ctx, campaignTemplate, payload); err == nil {
				return out, nil
			}
		}
	}
	return s.native.Generate(data)
}
