package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/CapSens/etlify"
	"github.com/CapSens/etlify/batch"
	"github.com/CapSens/etlify/state"
)

// New builds the admin router: health and metrics probes plus manual
// sync triggers. It is an operational surface, not an ingestion one.
func New(engine *etlify.Engine, db *gorm.DB, log *zap.SugaredLogger) *gin.Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sync/:model/:id/:crm", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
			return
		}
		ref := state.Ref{Type: c.Param("model"), ID: uint(id)}
		if err := engine.Enqueuer().Enqueue(c.Request.Context(), ref, c.Param("crm")); err != nil {
			log.Errorw("manual enqueue failed", "resource", ref.Type, "id", ref.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	})

	router.POST("/batch", func(c *gin.Context) {
		opts := batch.Options{CRMName: c.Query("crm")}
		if size := c.Query("batch_size"); size != "" {
			if parsed, err := strconv.Atoi(size); err == nil {
				opts.BatchSize = parsed
			}
		}
		stats, err := engine.BatchSync(c.Request.Context(), opts)
		if err != nil {
			log.Errorw("batch sync failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "stats": stats})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	return router
}
