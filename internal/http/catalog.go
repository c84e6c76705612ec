package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mrlokans/circulation/internal/entities"
)

// CatalogController manages books and reader cards.
type CatalogController struct {
	catalog CatalogService
}

func NewCatalogController(catalog CatalogService) *CatalogController {
	return &CatalogController{catalog: catalog}
}

// AddBookRequest is the body of POST /api/books.
type AddBookRequest struct {
	ISBN          string          `json:"isbn"`
	Title         string          `json:"title" binding:"required"`
	Author        string          `json:"author"`
	Publisher     string          `json:"publisher"`
	CategoryID    *uint           `json:"category_id"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
}

// AddBook handles POST /api/books
func (cc *CatalogController) AddBook(c *gin.Context) {
	var req AddBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid book: "+err.Error())
		return
	}

	book, err := cc.catalog.AddBook(c.Request.Context(), &entities.Book{
		ISBN:          req.ISBN,
		Title:         req.Title,
		Author:        req.Author,
		Publisher:     req.Publisher,
		CategoryID:    req.CategoryID,
		Price:         req.Price,
		TotalQuantity: req.TotalQuantity,
	})
	if err != nil {
		respondServiceError(c, err, "add book")
		return
	}
	respondCreated(c, book)
}

// GetBook handles GET /api/books/:id
func (cc *CatalogController) GetBook(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	book, err := cc.catalog.GetBook(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "get book")
		return
	}
	c.JSON(http.StatusOK, book)
}

// CopiesRequest is the body of POST /api/books/:id/copies. A negative delta
// withdraws shelf copies.
type CopiesRequest struct {
	Delta int64 `json:"delta" binding:"required"`
}

// AddCopies handles POST /api/books/:id/copies
func (cc *CatalogController) AddCopies(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req CopiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "delta is required and must not be zero")
		return
	}
	book, err := cc.catalog.AddCopies(c.Request.Context(), id, req.Delta)
	if err != nil {
		respondServiceError(c, err, "add copies")
		return
	}
	c.JSON(http.StatusOK, book)
}

// StatusRequest is the body of PATCH /api/books/:id/status.
type StatusRequest struct {
	Status entities.BookStatus `json:"status" binding:"required"`
}

// SetBookStatus handles PATCH /api/books/:id/status
func (cc *CatalogController) SetBookStatus(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "status is required")
		return
	}
	book, err := cc.catalog.SetBookStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		respondServiceError(c, err, "set book status")
		return
	}
	c.JSON(http.StatusOK, book)
}

// BookHistory handles GET /api/books/:id/loans
func (cc *CatalogController) BookHistory(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	limit, offset := parsePagination(c)
	loans, total, err := cc.catalog.BookHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondInternalError(c, err, "book history")
		return
	}
	respondPage(c, loans, total, limit, offset)
}

// RegisterReaderRequest is the body of POST /api/readers.
type RegisterReaderRequest struct {
	ReaderNo   string     `json:"reader_no" binding:"required"`
	Name       string     `json:"name" binding:"required"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	CategoryID uint       `json:"category_id" binding:"required"`
	ExpiryDate *time.Time `json:"expiry_date"`
}

// RegisterReader handles POST /api/readers
func (cc *CatalogController) RegisterReader(c *gin.Context) {
	var req RegisterReaderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid reader: "+err.Error())
		return
	}

	reader, err := cc.catalog.RegisterReader(c.Request.Context(), &entities.Reader{
		ReaderNo:   req.ReaderNo,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		CategoryID: req.CategoryID,
		ExpiryDate: req.ExpiryDate,
	})
	if err != nil {
		respondServiceError(c, err, "register reader")
		return
	}
	respondCreated(c, reader)
}

// GetReader handles GET /api/readers/:id
func (cc *CatalogController) GetReader(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	reader, err := cc.catalog.GetReader(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "get reader")
		return
	}
	c.JSON(http.StatusOK, reader)
}

// ReaderHistory handles GET /api/readers/:id/loans
func (cc *CatalogController) ReaderHistory(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	limit, offset := parsePagination(c)
	loans, total, err := cc.catalog.ReaderHistory(c.Request.Context(), id, limit, offset)
	if err != nil {
		respondInternalError(c, err, "reader history")
		return
	}
	respondPage(c, loans, total, limit, offset)
}
