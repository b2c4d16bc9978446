package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const defaultEventLimit = 50

type httpHandler struct {
	logger         *zap.Logger
	reservations   ReservationService
	accounts       AccountReader
	events         pool.EventStore
	requestTimeout time.Duration
}

type createReservationRequest struct {
	Name         string `json:"name"`
	AccountCount int    `json:"accountCount"`
}

type credentialsResponse struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
	Expires         string `json:"expires"`
}

type reservationResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	AccountCount int                  `json:"accountCount"`
	Timestamp    string               `json:"timestamp"`
	Ready        bool                 `json:"ready"`
	Accounts     []accountRef         `json:"accounts"`
	Credentials  *credentialsResponse `json:"credentials,omitempty"`
}

type accountRef struct {
	ID string `json:"id"`
}

type accountResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	ReservationID string `json:"reservationId,omitempty"`
	Version       string `json:"version"`
	UpdatedAt     string `json:"updatedAt"`
}

type eventResponse struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt string            `json:"createdAt"`
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
}

func (handler *httpHandler) handleCreateReservation(ctx *gin.Context) {
	var request createReservationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with name and accountCount"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reservation, err := handler.reservations.RequestReservation(requestCtx, request.Name, request.AccountCount)
	if err != nil {
		handler.respondError(ctx, "create reservation failed", err)
		return
	}
	handler.logger.Info("reservation requested",
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("user_id", userID(ctx)),
	)
	ctx.JSON(http.StatusCreated, toReservationResponse(pool.ReservationStatus{Reservation: reservation}))
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	reservationID, err := pool.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "get reservation failed", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	status, err := handler.reservations.GetReservationStatus(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, "get reservation failed", err)
		return
	}
	ctx.JSON(http.StatusOK, toReservationResponse(status))
}

func (handler *httpHandler) handleDeleteReservation(ctx *gin.Context) {
	reservationID, err := pool.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "delete reservation failed", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reservation, err := handler.reservations.RemoveReservation(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, "delete reservation failed", err)
		return
	}
	ctx.JSON(http.StatusOK, toReservationResponse(pool.ReservationStatus{Reservation: reservation}))
}

func (handler *httpHandler) handleListAccounts(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	var (
		accounts []pool.Account
		err      error
	)
	if rawStatus := ctx.Query("status"); rawStatus != "" {
		status, parseErr := pool.ParseAccountStatus(rawStatus)
		if parseErr != nil {
			handler.respondError(ctx, "list accounts failed", parseErr)
			return
		}
		accounts, err = handler.accounts.ListAccountsByStatus(requestCtx, status)
	} else {
		accounts, err = handler.accounts.ListAccounts(requestCtx)
	}
	if err != nil {
		handler.respondError(ctx, "list accounts failed", err)
		return
	}
	response := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		response = append(response, accountResponse{
			ID:            account.ID.String(),
			Status:        account.Status.String(),
			ReservationID: account.ReservationID.String(),
			Version:       account.Version,
			UpdatedAt:     formatTime(account.UpdatedAt),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"accounts": response})
}

func (handler *httpHandler) handleListEvents(ctx *gin.Context) {
	accountID, err := pool.NewAccountID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "list events failed", err)
		return
	}
	limit := defaultEventLimit
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, parseErr := strconv.Atoi(rawLimit)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	response := make([]eventResponse, 0)
	if handler.events == nil {
		ctx.JSON(http.StatusOK, gin.H{"events": response})
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	events, err := handler.events.ListEvents(requestCtx, accountID, limit)
	if err != nil {
		handler.respondError(ctx, "list events failed", err)
		return
	}
	for _, event := range events {
		response = append(response, eventResponse{
			ID:        event.ID,
			Status:    event.Status.String(),
			Message:   event.Message,
			Details:   event.Details,
			CreatedAt: formatTime(event.CreatedAt),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"events": response})
}

func (handler *httpHandler) respondError(ctx *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, pool.ErrInvalidReservationID),
		errors.Is(err, pool.ErrInvalidReservationName),
		errors.Is(err, pool.ErrInvalidAccountCount),
		errors.Is(err, pool.ErrInvalidAccountID),
		errors.Is(err, pool.ErrInvalidAccountStatus):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case pool.IsNotFound(err):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	default:
		handler.logger.Error(message, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
	}
}

func toReservationResponse(status pool.ReservationStatus) reservationResponse {
	accounts := make([]accountRef, 0, len(status.Accounts))
	for _, accountID := range status.Accounts {
		accounts = append(accounts, accountRef{ID: accountID.String()})
	}
	response := reservationResponse{
		ID:           status.Reservation.ID.String(),
		Name:         status.Reservation.Name,
		AccountCount: status.Reservation.AccountCount,
		Timestamp:    formatTime(status.Reservation.Timestamp),
		Ready:        status.Ready,
		Accounts:     accounts,
	}
	if status.Credentials != nil {
		response.Credentials = &credentialsResponse{
			AccessKeyID:     status.Credentials.AccessKeyID,
			SecretAccessKey: status.Credentials.SecretAccessKey,
			SessionToken:    status.Credentials.SessionToken,
			Expires:         formatTime(status.Credentials.Expires),
		}
	}
	return response
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func userID(ctx *gin.Context) string {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return ""
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil {
		return ""
	}
	return claims.GetUserID()
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
