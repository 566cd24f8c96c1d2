package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"product-import-service/internal/jobs"
	"product-import-service/internal/middleware"
	"product-import-service/internal/models"
	"product-import-service/internal/services"
	"product-import-service/internal/staging"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ImportService is the part of services.ImportService used by the handler
type ImportService interface {
	CreateJob(ctx context.Context, tenantID, userID string, file staging.StagedFile, opts services.Options) (*models.ImportJob, error)
	ImportFile(ctx context.Context, tenantID, userID string, file staging.StagedFile, opts services.Options) (*models.ImportJob, error)
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*models.ImportJob, error)
	ListJobs(ctx context.Context, tenantID string, page, limit int) ([]models.ImportJob, int64, error)
	ListErrors(ctx context.Context, tenantID string, jobID uuid.UUID, page, limit int) ([]models.ImportError, int64, error)
	DeleteJob(ctx context.Context, tenantID string, jobID uuid.UUID) error
}

// JobQueue hands accepted jobs to the background runner
type JobQueue interface {
	Enqueue(jobID uuid.UUID) error
}

// FileStager saves uploads for the pipeline
type FileStager interface {
	Save(header *multipart.FileHeader) (*staging.StagedFile, error)
	Remove(path string) error
}

type ImportHandler struct {
	service    ImportService
	queue      JobQueue
	stager     FileStager
	categories []string
	pageSize   int
	maxPage    int
}

func NewImportHandler(service ImportService, queue JobQueue, stager FileStager, categories []string) *ImportHandler {
	return &ImportHandler{
		service:    service,
		queue:      queue,
		stager:     stager,
		categories: categories,
		pageSize:   DefaultPageSize,
		maxPage:    MaxPageSize,
	}
}

// WithPageSizes overrides the default and maximum page sizes of list endpoints
func (h *ImportHandler) WithPageSizes(defaultSize, maxSize int) *ImportHandler {
	if defaultSize > 0 {
		h.pageSize = defaultSize
	}
	if maxSize >= h.pageSize {
		h.maxPage = maxSize
	}
	return h
}

// RegisterRoutes mounts the import endpoints on a tenant-scoped group
func (h *ImportHandler) RegisterRoutes(group *gin.RouterGroup) {
	imports := group.Group("/products/imports")
	imports.GET("/template", h.GetImportTemplate)
	imports.POST("", h.SubmitImport)
	imports.POST("/sync", h.ImportSync)
	imports.GET("", h.ListImports)
	imports.GET("/:id", h.GetImport)
	imports.GET("/:id/errors", h.ListImportErrors)
	imports.DELETE("/:id", h.DeleteImport)
}

// GetImportTemplate returns the import template definition or file
// @Summary Get product import template
// @Tags Imports
// @Produce json
// @Param format query string false "json, csv or xlsx" default(json)
// @Success 200 {object} models.SuccessResponse
// @Router /products/imports/template [get]
func (h *ImportHandler) GetImportTemplate(c *gin.Context) {
	template := models.ProductImportTemplate()

	switch c.DefaultQuery("format", "json") {
	case "csv":
		h.generateCSVTemplate(c, template)
	case "xlsx":
		h.generateXLSXTemplate(c, template)
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"template":   template,
			"categories": h.categories,
		})
	}
}

// generateCSVTemplate downloads a CSV template (headers only)
func (h *ImportHandler) generateCSVTemplate(c *gin.Context, template models.ImportTemplate) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	headers := make([]string, len(template.Columns))
	for i, col := range template.Columns {
		headers[i] = col.Name
	}
	writer.Write(headers)
}

// generateXLSXTemplate downloads an Excel template with an instructions sheet
func (h *ImportHandler) generateXLSXTemplate(c *gin.Context, template models.ImportTemplate) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Products"
	f.SetSheetName("Sheet1", sheetName)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	requiredStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})

	for i, col := range template.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		headerText := col.Name
		style := headerStyle
		if col.Required {
			headerText = col.Name + " *"
			style = requiredStyle
		}
		f.SetCellValue(sheetName, cell, headerText)
		f.SetCellStyle(sheetName, cell, cell, style)

		colName, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, colName, colName, 20)
	}

	instructions := "Instructions"
	f.NewSheet(instructions)
	f.SetCellValue(instructions, "A1", "Product Import Instructions")
	f.SetCellValue(instructions, "A3", "Columns marked * are required. Rows with problems are skipped and listed in the import report with a suggested fix; all other rows are imported.")
	f.SetCellValue(instructions, "A4", "Prices and quantities must be plain numbers of zero or more, without currency symbols.")
	f.SetCellValue(instructions, "A5", "Allowed categories: "+strings.Join(h.categories, ", "))

	header := []string{"Column", "Description", "Required", "Type", "Example"}
	for i, text := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 7)
		f.SetCellValue(instructions, cell, text)
	}
	for i, col := range template.Columns {
		row := i + 8
		required := "Optional"
		if col.Required {
			required = "Required"
		}
		f.SetCellValue(instructions, fmt.Sprintf("A%d", row), col.Name)
		f.SetCellValue(instructions, fmt.Sprintf("B%d", row), col.Description)
		f.SetCellValue(instructions, fmt.Sprintf("C%d", row), required)
		f.SetCellValue(instructions, fmt.Sprintf("D%d", row), col.Type)
		f.SetCellValue(instructions, fmt.Sprintf("E%d", row), col.Example)
	}
	f.SetColWidth(instructions, "A", "A", 25)
	f.SetColWidth(instructions, "B", "B", 60)
	f.SetColWidth(instructions, "C", "D", 15)
	f.SetColWidth(instructions, "E", "E", 40)

	sheetIdx, _ := f.GetSheetIndex(sheetName)
	f.SetActiveSheet(sheetIdx)

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.xlsx")
	f.Write(c.Writer)
}

// SubmitImport stages the uploaded file and queues a background import job
// @Summary Submit a product import
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "CSV or XLSX file"
// @Param chunkSize formData int false "Rows per transaction"
// @Param headerRow formData int false "1-based header row"
// @Success 202 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /products/imports [post]
func (h *ImportHandler) SubmitImport(c *gin.Context) {
	file, opts, ok := h.stageUpload(c)
	if !ok {
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c), *file, opts)
	if err != nil {
		h.stager.Remove(file.Path)
		respondError(c, http.StatusInternalServerError, "IMPORT_FAILED", "Failed to create import job")
		return
	}

	// A job that does not fit in the queue stays PENDING and is picked up by
	// the runner's sweep.
	if err := h.queue.Enqueue(job.ID); err != nil && !errors.Is(err, jobs.ErrQueueFull) {
		respondError(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Import queue is not accepting jobs")
		return
	}

	c.JSON(http.StatusAccepted, models.SuccessResponse{Success: true, Data: job})
}

// ImportSync stages the uploaded file and runs the import before responding
// @Summary Run a product import synchronously
// @Tags Imports
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "CSV or XLSX file"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /products/imports/sync [post]
func (h *ImportHandler) ImportSync(c *gin.Context) {
	file, opts, ok := h.stageUpload(c)
	if !ok {
		return
	}

	job, err := h.service.ImportFile(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c), *file, opts)
	if err != nil {
		h.stager.Remove(file.Path)
		respondError(c, http.StatusInternalServerError, "IMPORT_FAILED", "Failed to run import job")
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: job})
}

func (h *ImportHandler) stageUpload(c *gin.Context) (*staging.StagedFile, services.Options, bool) {
	var opts services.Options

	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "FILE_REQUIRED", "Please upload a CSV or Excel file")
		return nil, opts, false
	}

	if opts.ChunkSize, err = formInt(c, "chunkSize"); err != nil || opts.ChunkSize < 0 || opts.ChunkSize > services.MaxChunkSize {
		respondError(c, http.StatusBadRequest, "INVALID_OPTION",
			fmt.Sprintf("chunkSize must be between 1 and %d", services.MaxChunkSize))
		return nil, opts, false
	}
	if opts.HeaderRow, err = formInt(c, "headerRow"); err != nil || opts.HeaderRow < 0 {
		respondError(c, http.StatusBadRequest, "INVALID_OPTION", "headerRow must be a positive row number")
		return nil, opts, false
	}
	opts.Prefetch = c.DefaultPostForm("prefetch", "false") == "true"

	file, err := h.stager.Save(header)
	if err != nil {
		switch {
		case errors.Is(err, staging.ErrUnsupportedFormat):
			respondError(c, http.StatusBadRequest, "INVALID_FORMAT", "Only CSV and XLSX files are supported")
		case errors.Is(err, staging.ErrFileTooLarge):
			respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "The file exceeds the upload size limit")
		case errors.Is(err, staging.ErrEmptyFile):
			respondError(c, http.StatusBadRequest, "EMPTY_FILE", "The file is empty")
		default:
			respondError(c, http.StatusInternalServerError, "UPLOAD_FAILED", "Failed to store the uploaded file")
		}
		return nil, opts, false
	}
	return file, opts, true
}

// ListImports returns the tenant's import jobs, newest first
// @Summary List product imports
// @Tags Imports
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Success 200 {object} models.ImportJobListResponse
// @Router /products/imports [get]
func (h *ImportHandler) ListImports(c *gin.Context) {
	page, limit := h.pagination(c)

	importJobs, total, err := h.service.ListJobs(c.Request.Context(), middleware.GetTenantID(c), page, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "LIST_FAILED", "Failed to list import jobs")
		return
	}

	c.JSON(http.StatusOK, models.ImportJobListResponse{
		Success:    true,
		Data:       importJobs,
		Pagination: models.NewPaginationInfo(page, limit, total),
	})
}

// GetImport returns a job with its live counters
// @Summary Get a product import
// @Tags Imports
// @Produce json
// @Param id path string true "Import job ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /products/imports/{id} [get]
func (h *ImportHandler) GetImport(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), middleware.GetTenantID(c), jobID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: job})
}

// ListImportErrors returns a job's row errors in file order
// @Summary List the row errors of a product import
// @Tags Imports
// @Produce json
// @Param id path string true "Import job ID"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(20)
// @Success 200 {object} models.ImportErrorListResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /products/imports/{id}/errors [get]
func (h *ImportHandler) ListImportErrors(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	page, limit := h.pagination(c)

	importErrors, total, err := h.service.ListErrors(c.Request.Context(), middleware.GetTenantID(c), jobID, page, limit)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ImportErrorListResponse{
		Success:    true,
		Data:       importErrors,
		Pagination: models.NewPaginationInfo(page, limit, total),
	})
}

// DeleteImport removes a finished job and its errors
// @Summary Delete a product import
// @Tags Imports
// @Param id path string true "Import job ID"
// @Success 204
// @Failure 409 {object} models.ErrorResponse
// @Router /products/imports/{id} [delete]
func (h *ImportHandler) DeleteImport(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), middleware.GetTenantID(c), jobID); err != nil {
		h.respondJobError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ImportHandler) respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "Import job not found")
	case errors.Is(err, services.ErrJobRunning):
		respondError(c, http.StatusConflict, "JOB_RUNNING", "Import job has not finished yet")
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load import job")
	}
}

func (h *ImportHandler) pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(h.pageSize)))
	if err != nil || limit < 1 {
		limit = h.pageSize
	}
	if limit > h.maxPage {
		limit = h.maxPage
	}
	return page, limit
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ID", "Invalid import job ID")
		return uuid.Nil, false
	}
	return jobID, true
}

// formInt reads an optional integer form field; absent means 0
func formInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
