package server

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.engine.Group("/api/v1")
	{
		api.GET("/health", s.health)

		runs := api.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
		}

		batches := api.Group("/batches")
		{
			batches.GET("/current", s.currentBatch)
		}

		api.GET("/events", s.recentEvents)
		api.GET("/progress/ws", s.hub.HandleWebSocket)
	}
}
