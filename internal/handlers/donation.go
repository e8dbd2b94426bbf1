package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
	"ndao-backend/internal/payment"
)

// DonationHandler records donations and routes mobile-money ones
// through the payment initiator and the reconciliation poller.
type DonationHandler struct {
	DB         *sqlx.DB
	Store      payment.Store
	Initiator  *payment.Initiator
	Reconciler *payment.Reconciler
}

func NewDonationHandler(db *sqlx.DB, store payment.Store, initiator *payment.Initiator, reconciler *payment.Reconciler) *DonationHandler {
	return &DonationHandler{DB: db, Store: store, Initiator: initiator, Reconciler: reconciler}
}

type DonorInfo struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"omitempty,email"`
	Phone string `json:"phone"`
}

type CreateDonationRequest struct {
	CampaignID *int64    `json:"campaign_id"`
	Amount     int64     `json:"amount" binding:"required,gt=0"`
	Kind       string    `json:"kind" binding:"required,oneof=one_time recurring"`
	Method     string    `json:"method" binding:"required"`
	Donor      DonorInfo `json:"donor" binding:"required"`
}

// Create records a donation. Methods that need external confirmation
// are initiated against the provider synchronously and then reconciled
// in the background; the donor gets an immediate acknowledgment either
// way. Validation failures are rejected before any record is created.
func (h *DonationHandler) Create(c *gin.Context) {
	var req CreateDonationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	method, ok := models.ParsePaymentMethod(req.Method)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown payment method: " + req.Method})
		return
	}
	if method.RequiresConfirmation() && req.Donor.Phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Donor phone number is required for this payment method"})
		return
	}

	donation := &models.Donation{
		CampaignID:   req.CampaignID,
		Amount:       req.Amount,
		Kind:         models.DonationKind(req.Kind),
		Method:       method,
		DonorName:    req.Donor.Name,
		DonorEmail:   req.Donor.Email,
		DonorPhone:   req.Donor.Phone,
		PaymentState: models.StatePendingInitiation,
	}

	id, err := h.Store.Create(c.Request.Context(), donation)
	if err != nil {
		log.Println("Failed to create donation:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error."})
		return
	}

	if !method.RequiresConfirmation() {
		if err := h.Reconciler.ConfirmImmediate(c.Request.Context(), id); err != nil {
			log.Println("Failed to confirm donation:", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error."})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":  "Donation recorded, receipt sent.",
			"donation": gin.H{"id": id, "payment_state": models.StateConfirmed},
		})
		return
	}

	_, err = h.Initiator.Initiate(c.Request.Context(), donation)
	if err != nil {
		var initErr *payment.InitiationError
		switch {
		case errors.As(err, &initErr):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    "Payment provider rejected the transaction: " + initErr.Description,
				"donation": gin.H{"id": id, "payment_state": models.StateFailed},
			})
		case errors.Is(err, payment.ErrMissingPhone):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Donor phone number is required for this payment method"})
		default:
			log.Println("Payment initiation failed:", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    "Payment gateway error.",
				"donation": gin.H{"id": id, "payment_state": models.StateFailed},
			})
		}
		return
	}

	// Polling happens entirely off the request path; the schedule must
	// outlive this request's context.
	h.Reconciler.Schedule(context.Background(), id)

	c.JSON(http.StatusAccepted, gin.H{
		"message":      "Donation recorded. Awaiting payment approval in MVola.",
		"instructions": "Please approve the transaction on your phone.",
		"donation":     gin.H{"id": id, "payment_state": models.StatePendingConfirmation},
	})
}

// Status returns the donation's current persisted payment state.
func (h *DonationHandler) Status(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	donation, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"donation_id":   donation.ID,
		"payment_state": donation.PaymentState,
		"provider_ref":  donation.ProviderRef,
	})
}

// CheckNow runs one out-of-band reconciliation attempt and reports the
// resulting state. Safe to call while the scheduled poller is running.
func (h *DonationHandler) CheckNow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	state, err := h.Reconciler.CheckNow(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, payment.ErrNotInitiated) {
			c.JSON(http.StatusOK, gin.H{
				"donation_id":   id,
				"payment_state": state,
				"message":       "No provider transaction associated with this donation",
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Donation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"donation_id": id, "payment_state": state})
}

// History lists a donor's donations by email, newest first.
func (h *DonationHandler) History(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email is required"})
		return
	}

	type historyRow struct {
		models.Donation
		CampaignTitle *string `db:"campaign_title" json:"campaign_title,omitempty"`
	}
	var donations []historyRow
	query := `
		SELECT d.*, c.title AS campaign_title
		FROM donations d
		LEFT JOIN campaigns c ON d.campaign_id = c.id
		WHERE d.donor_email = $1
		ORDER BY d.created_at DESC
	`
	if err := h.DB.Select(&donations, query, email); err != nil {
		log.Println("Failed to fetch donation history:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch donations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"donations": donations, "count": len(donations)})
}

// List returns all donations for staff and admin dashboards.
func (h *DonationHandler) List(c *gin.Context) {
	var donations []models.Donation
	query := `SELECT * FROM donations ORDER BY created_at DESC`
	if err := h.DB.Select(&donations, query); err != nil {
		log.Println("Failed to list donations:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch donations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"donations": donations, "count": len(donations)})
}
