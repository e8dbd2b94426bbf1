package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
)

type CampaignHandler struct {
	DB *sqlx.DB
}

func NewCampaignHandler(db *sqlx.DB) *CampaignHandler {
	return &CampaignHandler{DB: db}
}

type CreateCampaignRequest struct {
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description" binding:"required"`
	StartDate   time.Time `json:"start_date" binding:"required"`
	EndDate     time.Time `json:"end_date" binding:"required"`
	Budget      int64     `json:"budget" binding:"required,gt=0"`
	Image       string    `json:"image"`
}

func (h *CampaignHandler) Create(c *gin.Context) {
	var req CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var campaign models.Campaign
	query := `
		INSERT INTO campaigns (title, description, start_date, end_date, budget, image, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING *
	`
	err := h.DB.Get(&campaign, query,
		req.Title, req.Description, req.StartDate, req.EndDate,
		req.Budget, req.Image, c.GetInt64("userID"),
	)
	if err != nil {
		log.Println("Failed to create campaign:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create campaign"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Campaign created", "campaign": campaign})
}

type campaignWithAuthor struct {
	models.Campaign
	AuthorFirstName *string `db:"author_first_name" json:"author_first_name,omitempty"`
	AuthorLastName  *string `db:"author_last_name" json:"author_last_name,omitempty"`
}

func (h *CampaignHandler) List(c *gin.Context) {
	var campaigns []campaignWithAuthor
	query := `
		SELECT c.*, u.first_name AS author_first_name, u.last_name AS author_last_name
		FROM campaigns c
		LEFT JOIN users u ON c.author_id = u.id
		ORDER BY c.created_at DESC
	`
	if err := h.DB.Select(&campaigns, query); err != nil {
		log.Println("Failed to list campaigns:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch campaigns"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns, "count": len(campaigns)})
}

func (h *CampaignHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var campaign models.Campaign
	if err := h.DB.Get(&campaign, `SELECT * FROM campaigns WHERE id = $1`, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Campaign not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// Delete removes a campaign. Admins may delete any campaign, staff only
// their own.
func (h *CampaignHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var campaign models.Campaign
	if err := h.DB.Get(&campaign, `SELECT * FROM campaigns WHERE id = $1`, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Campaign not found"})
		return
	}

	role, _ := c.Get("role")
	if role != models.RoleAdmin && campaign.AuthorID != c.GetInt64("userID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "You may only delete your own campaigns"})
		return
	}

	if _, err := h.DB.Exec(`DELETE FROM campaigns WHERE id = $1`, id); err != nil {
		log.Println("Failed to delete campaign:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not delete campaign"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Campaign deleted", "campaign": campaign})
}
