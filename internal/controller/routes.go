package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminRouter mounts the admin API. Callers put it under /api.
func AdminRouter(campaigns *CampaignController, subscribers *SubscriberController, queue *QueueController) http.Handler {
	r := chi.NewRouter()

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaigns.CreateCampaign)
		r.Get("/", campaigns.ListCampaigns)
		r.Get("/{id}", campaigns.GetCampaignDetails)
		r.Put("/{id}", campaigns.UpdateCampaign)
		r.Delete("/{id}", campaigns.DeleteCampaign)
		r.Get("/{id}/stats", campaigns.CampaignStats)
		r.Post("/{id}/schedule", campaigns.ScheduleCampaign)
		r.Post("/{id}/send", campaigns.SendCampaign)
		r.Post("/{id}/pause", campaigns.PauseCampaign)
		r.Post("/{id}/resume", campaigns.ResumeCampaign)
		r.Post("/{id}/send-test", campaigns.SendTest)
		r.Post("/{id}/personalized-preview", campaigns.PersonalizedPreview)
	})

	r.Route("/lists", func(r chi.Router) {
		r.Post("/", subscribers.CreateList)
		r.Get("/", subscribers.ListLists)
		r.Get("/{id}", subscribers.GetList)
		r.Delete("/{id}", subscribers.DeleteList)
		r.Post("/{id}/subscribers", subscribers.Subscribe)
		r.Put("/{id}/subscribers/{subscriberID}", subscribers.AddMember)
		r.Delete("/{id}/subscribers/{subscriberID}", subscribers.RemoveMember)
	})

	r.Route("/subscribers", func(r chi.Router) {
		r.Get("/", subscribers.ListSubscribers)
		r.Get("/{id}", subscribers.GetSubscriber)
		r.Delete("/{id}", subscribers.DeleteSubscriber)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", queue.Enqueue)
		r.Get("/stats", queue.Stats)
		r.Get("/log", queue.RecentLog)
		r.Post("/process", queue.Process)
		r.Post("/retry-failed", queue.RetryFailed)
		r.Post("/cancel-all", queue.CancelAll)
		r.Get("/{id}", queue.GetMessage)
		r.Post("/{id}/retry", queue.RetryMessage)
		r.Post("/{id}/cancel", queue.CancelMessage)
	})

	return r
}
