package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/orchestrator"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/gin-gonic/gin"
)

type Coords struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type IngestTransactionRequest struct {
	UserID           string    `json:"user_id" binding:"required"`
	CardID           string    `json:"card_id" binding:"required"`
	Amount           *float64  `json:"amount" binding:"required"`
	Currency         string    `json:"currency" binding:"required"`
	MerchantName     string    `json:"merchant_name" binding:"required"`
	MerchantCategory string    `json:"merchant_category"`
	MerchantCity     string    `json:"merchant_city"`
	MerchantState    string    `json:"merchant_state"`
	MerchantCountry  string    `json:"merchant_country"`
	OccurredAt       time.Time `json:"occurred_at" binding:"required"`
	Coords           *Coords   `json:"coords"`
	Status           string    `json:"status"`
}

var validTxnStatus = map[string]bool{
	models.TxnStatusPending:  true,
	models.TxnStatusApproved: true,
	models.TxnStatusDeclined: true,
	models.TxnStatusSettled:  true,
	models.TxnStatusRefunded: true,
}

// IngestTransaction accepts a transaction from the ingestion gateway,
// persists it, and schedules evaluation. 202 means "stored and queued",
// never "evaluated".
func IngestTransaction(ctx *gin.Context) {
	var req IngestTransactionRequest

	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if *req.Amount < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "amount must be non-negative"})
		return
	}

	status := req.Status
	if status == "" {
		status = models.TxnStatusPending
	}
	if !validTxnStatus[status] {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction status"})
		return
	}

	if _, err := alertStore.GetUser(req.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown user"})
		} else {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "data store unavailable"})
		}
		return
	}

	txn := models.Transaction{
		UserID:           req.UserID,
		CardID:           req.CardID,
		Amount:           *req.Amount,
		Currency:         req.Currency,
		MerchantName:     req.MerchantName,
		MerchantCategory: req.MerchantCategory,
		MerchantCity:     req.MerchantCity,
		MerchantState:    req.MerchantState,
		MerchantCountry:  req.MerchantCountry,
		OccurredAt:       req.OccurredAt.UTC(),
		Status:           status,
	}

	if req.Coords != nil {
		lat, lon := req.Coords.Lat, req.Coords.Lon
		txn.Lat = &lat
		txn.Lon = &lon
	}

	if err := alertStore.InsertTransaction(&txn); err != nil {
		log.Printf("Failed to insert transaction: %v", err)
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "data store unavailable"})
		return
	}

	// Evaluation only ever sees committed rows; the insert above is the
	// ordering barrier.
	if err := orchestrator.Enqueue(txn.UserID, txn.ID); err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			ctx.JSON(http.StatusTooManyRequests, gin.H{"error": "evaluation queue is full, retry later"})
			return
		}
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "evaluation unavailable"})
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"transaction_id": txn.ID})
}
