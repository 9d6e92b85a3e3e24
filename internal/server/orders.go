package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/escrow/internal/escrow/domain"
	"github.com/smallbiznis/escrow/internal/money"
	"github.com/smallbiznis/escrow/pkg/db/pagination"
)

const contextActionKey = "escrow_action"

func (s *Server) CreateOrder(c *gin.Context) {
	actor, ok := actorFromGin(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req domain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	snap, err := s.escrowSvc.CreateOrder(c.Request.Context(), actor, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": snap})
}

func (s *Server) GetOrder(c *gin.Context) {
	actor, ok := actorFromGin(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	orderID, err := parseOrderID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snap, err := s.escrowSvc.GetOrder(c.Request.Context(), orderID, actor)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snap})
}

func (s *Server) ListOrderEvents(c *gin.Context) {
	actor, ok := actorFromGin(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	orderID, err := parseOrderID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.escrowSvc.ListEvents(c.Request.Context(), actor, domain.ListEventsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(page.PageToken),
			PageSize:  page.PageSize,
		},
		OrderID: orderID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

// ApplyAction runs one named action against an order and returns the
// resulting snapshot.
func (s *Server) ApplyAction(c *gin.Context) {
	actor, ok := actorFromGin(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	orderID, err := parseOrderID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req domain.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	action, err := domain.ParseAction(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextActionKey, string(action.Name()))

	snap, err := s.escrowSvc.Apply(c.Request.Context(), orderID, actor, action)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snap})
}

// parseOrderID treats a malformed id like an unknown one.
func parseOrderID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, ErrNotFound
	}
	return id, nil
}

func bindError(err error) error {
	switch {
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrOverflow):
		return newValidationError("amount", "invalid_amount", "invalid amount")
	default:
		return invalidRequestError()
	}
}
