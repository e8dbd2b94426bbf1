package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"ndao-backend/internal/models"
)

// imagesJSON stores the image path list as a JSON array in a text column.
func imagesJSON(images []string) string {
	if len(images) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(images)
	return string(b)
}

type ArticleHandler struct {
	DB *sqlx.DB
}

func NewArticleHandler(db *sqlx.DB) *ArticleHandler {
	return &ArticleHandler{DB: db}
}

type ArticleRequest struct {
	Title     string   `json:"title" binding:"required"`
	Content   string   `json:"content" binding:"required"`
	Images    []string `json:"images"`
	Published bool     `json:"published"`
}

func (h *ArticleHandler) Create(c *gin.Context) {
	var req ArticleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	var article models.Article
	query := `
		INSERT INTO articles (title, content, images, published, author_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING *
	`
	err := h.DB.Get(&article, query,
		req.Title, req.Content, imagesJSON(req.Images), req.Published, c.GetInt64("userID"),
	)
	if err != nil {
		log.Println("Failed to create article:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not create article"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Article created", "article": article})
}

// List returns published articles with their author's name.
func (h *ArticleHandler) List(c *gin.Context) {
	type articleWithAuthor struct {
		models.Article
		AuthorFirstName *string `db:"author_first_name" json:"author_first_name,omitempty"`
		AuthorLastName  *string `db:"author_last_name" json:"author_last_name,omitempty"`
	}

	var articles []articleWithAuthor
	query := `
		SELECT a.*, u.first_name AS author_first_name, u.last_name AS author_last_name
		FROM articles a
		LEFT JOIN users u ON a.author_id = u.id
		WHERE a.published = TRUE
		ORDER BY a.created_at DESC
	`
	if err := h.DB.Select(&articles, query); err != nil {
		log.Println("Failed to list articles:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch articles"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"articles": articles, "count": len(articles)})
}

func (h *ArticleHandler) Update(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	article, ok := h.loadOwned(c, id)
	if !ok {
		return
	}

	var req ArticleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	query := `
		UPDATE articles SET title = $1, content = $2, images = $3, published = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING *
	`
	err := h.DB.Get(article, query, req.Title, req.Content, imagesJSON(req.Images), req.Published, id)
	if err != nil {
		log.Println("Failed to update article:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update article"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Article updated", "article": article})
}

func (h *ArticleHandler) Delete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	article, ok := h.loadOwned(c, id)
	if !ok {
		return
	}

	if _, err := h.DB.Exec(`DELETE FROM articles WHERE id = $1`, id); err != nil {
		log.Println("Failed to delete article:", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not delete article"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Article deleted", "article": article})
}

// loadOwned fetches the article and enforces that the caller is an
// admin or its author.
func (h *ArticleHandler) loadOwned(c *gin.Context, id int64) (*models.Article, bool) {
	var article models.Article
	if err := h.DB.Get(&article, `SELECT * FROM articles WHERE id = $1`, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Article not found"})
		return nil, false
	}
	role, _ := c.Get("role")
	if role != models.RoleAdmin && article.AuthorID != c.GetInt64("userID") {
		c.JSON(http.StatusForbidden, gin.H{"error": "You may only edit your own articles"})
		return nil, false
	}
	return &article, true
}
