package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cryptohub-academy/enrollment-api/internal/models"
	"github.com/cryptohub-academy/enrollment-api/internal/service"
	appErrors "github.com/cryptohub-academy/enrollment-api/pkg/errors"
	"github.com/cryptohub-academy/enrollment-api/pkg/response"
)

// BatchHandler exposes batch browse and admin CRUD endpoints.
type BatchHandler struct {
	batches *service.BatchService
}

// NewBatchHandler constructs BatchHandler.
func NewBatchHandler(batches *service.BatchService) *BatchHandler {
	return &BatchHandler{batches: batches}
}

func batchFilterFromQuery(c *gin.Context) models.BatchFilter {
	var filter models.BatchFilter
	filter.Search = c.Query("search")
	filter.OpenOnly = c.Query("open") == "true"
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")
	return filter
}

// Browse godoc
// @Summary Browse published batches
// @Tags Batches
// @Produce json
// @Param search query string false "Search by course or batch name"
// @Param open query bool false "Only batches open for enrollment"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /batches [get]
func (h *BatchHandler) Browse(c *gin.Context) {
	page, err := h.batches.Browse(c.Request.Context(), batchFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page.Batches, page.Pagination)
}

// Get godoc
// @Summary Get one batch
// @Tags Batches
// @Produce json
// @Param id path string true "Batch ID"
// @Success 200 {object} response.Envelope
// @Router /batches/{id} [get]
func (h *BatchHandler) Get(c *gin.Context) {
	claims, _ := currentClaims(c)
	batch, err := h.batches.Get(c.Request.Context(), c.Param("id"), isAdmin(claims))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batch, nil)
}

// AdminList godoc
// @Summary List all batches, unpublished included
// @Tags Batches
// @Produce json
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /admin/batches [get]
func (h *BatchHandler) AdminList(c *gin.Context) {
	page, err := h.batches.List(c.Request.Context(), batchFilterFromQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, page.Batches, page.Pagination)
}

// Create godoc
// @Summary Create a batch
// @Tags Batches
// @Accept json
// @Produce json
// @Param payload body service.CreateBatchRequest true "Batch payload"
// @Success 201 {object} response.Envelope
// @Security BearerAuth
// @Router /admin/batches [post]
func (h *BatchHandler) Create(c *gin.Context) {
	var req service.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	batch, err := h.batches.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, batch)
}

// Update godoc
// @Summary Update a batch
// @Tags Batches
// @Accept json
// @Produce json
// @Param id path string true "Batch ID"
// @Param payload body service.UpdateBatchRequest true "Batch payload"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /admin/batches/{id} [put]
func (h *BatchHandler) Update(c *gin.Context) {
	var req service.UpdateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	batch, err := h.batches.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, batch, nil)
}

// Delete godoc
// @Summary Delete a batch without enrollments
// @Tags Batches
// @Produce json
// @Param id path string true "Batch ID"
// @Success 204
// @Security BearerAuth
// @Router /admin/batches/{id} [delete]
func (h *BatchHandler) Delete(c *gin.Context) {
	if err := h.batches.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
