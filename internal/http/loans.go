package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mrlokans/circulation/internal/database/borrowing"
	"github.com/mrlokans/circulation/internal/entities"
)

// LoansController exposes the borrowing workflow.
type LoansController struct {
	loans LoanService
}

func NewLoansController(loans LoanService) *LoansController {
	return &LoansController{loans: loans}
}

// BorrowRequest is the body of POST /api/loans.
type BorrowRequest struct {
	ReaderID uint `json:"reader_id" binding:"required"`
	BookID   uint `json:"book_id" binding:"required"`
}

// Borrow handles POST /api/loans
func (lc *LoansController) Borrow(c *gin.Context) {
	var req BorrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "reader_id and book_id are required")
		return
	}

	loan, err := lc.loans.Borrow(c.Request.Context(), req.ReaderID, req.BookID)
	if err != nil {
		respondServiceError(c, err, "borrow")
		return
	}
	respondCreated(c, loan)
}

// Return handles POST /api/loans/:id/return
func (lc *LoansController) Return(c *gin.Context) {
	lc.transition(c, "return", lc.loans.Return)
}

// Renew handles POST /api/loans/:id/renew
func (lc *LoansController) Renew(c *gin.Context) {
	lc.transition(c, "renew", lc.loans.Renew)
}

// ReportLost handles POST /api/loans/:id/lost
func (lc *LoansController) ReportLost(c *gin.Context) {
	lc.transition(c, "report lost", lc.loans.ReportLost)
}

func (lc *LoansController) transition(c *gin.Context, name string, step func(ctx context.Context, id uint) (*entities.BorrowingRecord, error)) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	loan, err := step(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, name)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// GetLoan handles GET /api/loans/:id
func (lc *LoansController) GetLoan(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	loan, err := lc.loans.GetLoan(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err, "get loan")
		return
	}
	c.JSON(http.StatusOK, loan)
}

// ListLoans handles GET /api/loans?reader_id=&book_id=&status=
func (lc *LoansController) ListLoans(c *gin.Context) {
	readerID, ok := parseOptionalQueryID(c, "reader_id")
	if !ok {
		return
	}
	bookID, ok := parseOptionalQueryID(c, "book_id")
	if !ok {
		return
	}
	status := entities.BorrowingStatus(c.Query("status"))
	switch status {
	case "", entities.BorrowingStatusBorrowed, entities.BorrowingStatusOverdue,
		entities.BorrowingStatusReturned, entities.BorrowingStatusLost:
	default:
		respondBadRequest(c, "invalid status")
		return
	}

	limit, offset := parsePagination(c)
	filter := borrowing.Filter{ReaderID: readerID, BookID: bookID, Status: status}
	loans, total, err := lc.loans.ListLoans(c.Request.Context(), filter, limit, offset)
	if err != nil {
		respondInternalError(c, err, "list loans")
		return
	}
	respondPage(c, loans, total, limit, offset)
}

// ListOverdue handles GET /api/loans/overdue
// Loans past due are promoted before the list is read.
func (lc *LoansController) ListOverdue(c *gin.Context) {
	loans, err := lc.loans.ListOverdue(c.Request.Context())
	if err != nil {
		respondInternalError(c, err, "list overdue loans")
		return
	}
	c.JSON(http.StatusOK, gin.H{"loans": loans, "count": len(loans)})
}

// Statistics handles GET /api/loans/stats
func (lc *LoansController) Statistics(c *gin.Context) {
	stats, err := lc.loans.Statistics(c.Request.Context())
	if err != nil {
		respondInternalError(c, err, "loan statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       stats.Total,
		"open":        stats.Open,
		"overdue":     stats.Overdue,
		"total_fines": stats.TotalFines.StringFixed(2),
	})
}
