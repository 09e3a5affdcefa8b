package api

import (
	"net/http"

	"mailpilot-backend/internal/auth/delivery"
	authRepo "mailpilot-backend/internal/auth/repository"
	authUsecase "mailpilot-backend/internal/auth/usecase"
	autoreplyDelivery "mailpilot-backend/internal/autoreply/delivery"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, authUc authUsecase.AuthUsecase, fcmTokenRepo authRepo.FCMTokenRepository, autoreplyHandler *autoreplyDelivery.Handler, watcher delivery.MailboxWatcher) {
	authHandler := delivery.NewAuthHandler(authUc, fcmTokenRepo, watcher)

	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/login", authHandler.Login)
			auth.POST("/register", authHandler.Register)
			auth.POST("/google", authHandler.GoogleSignIn)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/logout", authHandler.Logout)
			auth.GET("/me", delivery.AuthMiddleware(authUc), authHandler.Me)
			auth.POST("/gmail/connect", delivery.AuthMiddleware(authUc), authHandler.ConnectGmail)
			auth.POST("/imap/connect", delivery.AuthMiddleware(authUc), authHandler.ConnectImap)
		}

		// FCM routes (protected)
		fcm := api.Group("/fcm")
		fcm.Use(delivery.AuthMiddleware(authUc))
		{
			fcm.POST("/register", authHandler.RegisterFCMToken)
			fcm.DELETE("/:token", authHandler.UnregisterFCMToken)
		}

		// Pub/Sub push endpoint. Unauthenticated: Google delivers here and
		// the handler acknowledges everything.
		api.POST("/webhook/gmail", autoreplyHandler.Webhook)

		// Auto-reply routes (protected)
		autoreply := api.Group("/autoreply")
		autoreply.Use(delivery.AuthMiddleware(authUc))
		{
			autoreply.POST("/check", autoreplyHandler.CheckNow)
			autoreply.GET("/config", autoreplyHandler.GetConfig)
			autoreply.PUT("/config", autoreplyHandler.UpdateConfig)
			autoreply.GET("/rate-limit", autoreplyHandler.RateLimitStatus)
			autoreply.DELETE("/rate-limit", autoreplyHandler.ResetRateLimit)
			autoreply.GET("/threads", autoreplyHandler.ListThreads)
			autoreply.DELETE("/threads/:id", autoreplyHandler.DeleteThread)
			autoreply.GET("/prompts", autoreplyHandler.ListPrompts)
			autoreply.PUT("/prompts", autoreplyHandler.SavePrompt)
			autoreply.DELETE("/prompts/:id", autoreplyHandler.DeletePrompt)
		}
	}
}
