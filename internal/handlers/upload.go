package handlers

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
)

const maxPhotoSize = 5 << 20 // 5 MB

var allowedImageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

type UploadHandler struct {
	DB        *sqlx.DB
	UploadDir string
}

func NewUploadHandler(db *sqlx.DB, uploadDir string) *UploadHandler {
	dir := filepath.Join(uploadDir, "profiles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Println("Failed to create upload directory:", err)
	}
	return &UploadHandler{DB: db, UploadDir: uploadDir}
}

// ProfilePhoto stores a new profile photo for the authenticated user
// and records its relative path on the user row.
func (h *UploadHandler) ProfilePhoto(c *gin.Context) {
	file, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	if file.Size > maxPhotoSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 5 MB)"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedImageExts[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are allowed"})
		return
	}

	filename := "profile-" + uuid.NewString() + ext
	relPath := filepath.Join("profiles", filename)
	if err := c.SaveUploadedFile(file, filepath.Join(h.UploadDir, relPath)); err != nil {
		log.Println("Failed to save uploaded file:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not save file"})
		return
	}

	userID := c.GetInt64("userID")
	var user models.User
	query := `UPDATE users SET profile_photo = $1, updated_at = NOW() WHERE id = $2 RETURNING *`
	if err := h.DB.Get(&user, query, relPath, userID); err != nil {
		log.Println("Failed to record profile photo:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Photo uploaded",
		"path":    "/uploads/" + relPath,
		"user":    user,
	})
}

// DeleteProfilePhoto removes the file and clears the user's photo path.
func (h *UploadHandler) DeleteProfilePhoto(c *gin.Context) {
	userID := c.GetInt64("userID")

	var user models.User
	if err := h.DB.Get(&user, `SELECT * FROM users WHERE id = $1`, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	if user.ProfilePhoto != "" {
		if err := os.Remove(filepath.Join(h.UploadDir, user.ProfilePhoto)); err != nil && !os.IsNotExist(err) {
			log.Println("Failed to remove photo file:", err)
		}
	}

	query := `UPDATE users SET profile_photo = '', updated_at = NOW() WHERE id = $1 RETURNING *`
	if err := h.DB.Get(&user, query, userID); err != nil {
		log.Println("Failed to clear profile photo:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update profile"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Photo removed", "user": user})
}
