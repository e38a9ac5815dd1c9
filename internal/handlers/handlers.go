package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/image-classify/internal/auth"
	"github.com/example/image-classify/internal/classify"
	"github.com/example/image-classify/internal/ingest"
	"github.com/example/image-classify/internal/session"
)

// MaxUploadSize caps uploaded image payloads.
const MaxUploadSize = 10 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router. Both upload
// entry points share the ingestion contract: non-image payloads are rejected
// identically and never touch the session.
func RegisterRoutes(router *gin.Engine, sessions *session.Registry, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := router.Group("/", authMiddleware)

	authorized.POST("/classify", func(c *gin.Context) {
		if c.Request.ContentLength > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		startClassification(c, sessions, ingest.RawFile{
			Name: file.Filename,
			MIME: file.Header.Get("Content-Type"),
			Data: data,
		})
	})

	authorized.POST("/classify/json", func(c *gin.Context) {
		var req struct {
			Image string `json:"image" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image data URI is required"})
			return
		}

		raw, err := ingest.FromDataURI(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(raw.Data) > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		startClassification(c, sessions, raw)
	})

	authorized.GET("/classification", func(c *gin.Context) {
		sess, ok := clientSession(c, sessions)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, stateView(sess.State()))
	})

	authorized.GET("/classification/events", func(c *gin.Context) {
		sess, ok := clientSession(c, sessions)
		if !ok {
			return
		}

		ch, cancel := sess.Subscribe()
		defer cancel()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case st, open := <-ch:
				if !open {
					return false
				}
				c.SSEvent("state", stateView(st))
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})
}

// startClassification runs the shared ingestion contract and, on success,
// hands the image to the caller's session.
func startClassification(c *gin.Context, sessions *session.Registry, raw ingest.RawFile) {
	if len(raw.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	handle, err := ingest.Ingest(c.Request.Context(), raw)
	if err != nil {
		if classify.KindOf(err) == classify.KindInvalidInput {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess, ok := clientSession(c, sessions)
	if !ok {
		return
	}
	requestID := sess.Classify(handle)
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": requestID,
		"phase":      session.PhaseIngesting,
	})
}

func clientSession(c *gin.Context, sessions *session.Registry) (*session.Session, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return nil, false
	}
	return sessions.Get(userID), true
}

func stateView(st session.State) gin.H {
	view := gin.H{
		"phase":      st.Phase,
		"request_id": st.RequestID,
		"results":    st.Results,
		"updated_at": st.UpdatedAt,
	}
	if st.Err != nil {
		view["error"] = gin.H{
			"kind":    classify.KindOf(st.Err),
			"message": st.Err.Error(),
		}
	}
	return view
}
