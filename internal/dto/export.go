package dto

import "github.com/cadenza-hq/continuation-api/internal/models"

// CreateExportRequest queues a run export.
type CreateExportRequest struct {
	RunID  string              `json:"run_id" binding:"required"`
	Type   models.ExportType   `json:"type" binding:"required"`
	Format models.ExportFormat `json:"format" binding:"required"`
}

// ExportJobResponse surfaces job state to staff.
type ExportJobResponse struct {
	Job *models.ExportJob `json:"job"`
}
