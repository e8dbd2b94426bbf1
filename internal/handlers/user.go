package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
)

type UserHandler struct {
	DB *sqlx.DB
}

func NewUserHandler(db *sqlx.DB) *UserHandler {
	return &UserHandler{DB: db}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
}

// isSelfOrAdmin checks the caller may act on the given user record.
func isSelfOrAdmin(c *gin.Context, id int64) bool {
	if c.GetInt64("userID") == id {
		return true
	}
	role, _ := c.Get("role")
	return role == models.RoleAdmin
}

func (h *UserHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !isSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You may only view your own profile"})
		return
	}

	var user models.User
	if err := h.DB.Get(&user, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

type UpdateUserRequest struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Email     *string `json:"email" binding:"omitempty,email"`
	Phone     *string `json:"phone"`
	Role      *string `json:"role" binding:"omitempty,oneof=admin staff donor"`
	Status    *string `json:"status" binding:"omitempty,oneof=pending active inactive"`
}

// Update edits a profile. Only admins may change role and status.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !isSelfOrAdmin(c, id) {
		c.JSON(http.StatusForbidden, gin.H{"error": "You may only edit your own profile"})
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	role, _ := c.Get("role")
	if role != models.RoleAdmin {
		req.Role = nil
		req.Status = nil
	}

	sets := ""
	args := []any{}
	n := 1
	add := func(col string, v any) {
		if sets != "" {
			sets += ", "
		}
		sets += col + " = $" + strconv.Itoa(n)
		args = append(args, v)
		n++
	}
	if req.FirstName != nil {
		add("first_name", *req.FirstName)
	}
	if req.LastName != nil {
		add("last_name", *req.LastName)
	}
	if req.Email != nil {
		add("email", *req.Email)
	}
	if req.Phone != nil {
		add("phone", *req.Phone)
	}
	if req.Role != nil {
		add("role", *req.Role)
	}
	if req.Status != nil {
		add("status", *req.Status)
	}
	if sets == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}
	sets += ", updated_at = NOW()"

	args = append(args, id)
	query := "UPDATE users SET " + sets + " WHERE id = $" + strconv.Itoa(n) + " RETURNING *"

	var user models.User
	if err := h.DB.Get(&user, query, args...); err != nil {
		log.Println("Failed to update user:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated", "user": user})
}

func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	res, err := h.DB.Exec(`DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		log.Println("Failed to delete user:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not delete user"})
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
}

func (h *UserHandler) List(c *gin.Context) {
	var users []models.User
	err := h.DB.Select(&users, `SELECT * FROM users ORDER BY created_at DESC`)
	if err != nil {
		log.Println("Failed to list users:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// ListPending returns staff accounts awaiting approval.
func (h *UserHandler) ListPending(c *gin.Context) {
	var users []models.User
	query := `SELECT * FROM users WHERE role = $1 AND status = $2 ORDER BY created_at DESC`
	err := h.DB.Select(&users, query, models.RoleStaff, models.StatusPending)
	if err != nil {
		log.Println("Failed to list pending users:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch pending users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (h *UserHandler) setStatus(c *gin.Context, status models.Status, message string) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var user models.User
	query := `UPDATE users SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING *`
	if err := h.DB.Get(&user, query, status, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "user": user})
}

func (h *UserHandler) Approve(c *gin.Context) {
	h.setStatus(c, models.StatusActive, "User approved")
}

func (h *UserHandler) Reject(c *gin.Context) {
	h.setStatus(c, models.StatusInactive, "User rejected")
}

// Stats returns user counts by role and status for the admin dashboard.
func (h *UserHandler) Stats(c *gin.Context) {
	var total int
	if err := h.DB.Get(&total, `SELECT COUNT(*) FROM users`); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not compute stats"})
		return
	}

	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}
	byRole := map[string]int{}
	var rows []countRow
	if err := h.DB.Select(&rows, `SELECT role AS key, COUNT(*) AS count FROM users GROUP BY role`); err == nil {
		for _, r := range rows {
			byRole[r.Key] = r.Count
		}
	}
	byStatus := map[string]int{}
	rows = nil
	if err := h.DB.Select(&rows, `SELECT status AS key, COUNT(*) AS count FROM users GROUP BY status`); err == nil {
		for _, r := range rows {
			byStatus[r.Key] = r.Count
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_role":   byRole,
		"by_status": byStatus,
	})
}
