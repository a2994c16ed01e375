package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/metrics"
	"github.com/digkill/arcano/internal/models"
	"github.com/digkill/arcano/internal/realtime"
	"github.com/digkill/arcano/internal/service"
)

type Accounts interface {
	Ensure(ctx context.Context, authID, email string) (*models.User, bool, error)
	Profile(ctx context.Context, userID int64) (*service.Profile, error)
	LinkTelegram(ctx context.Context, userID, chatID int64) error
	History(ctx context.Context, userID int64, limit int) ([]models.CreditTransaction, error)
	TelegramChatIDs(ctx context.Context) ([]int64, error)
	GrantCredits(ctx context.Context, userID int64, amount int, monthly bool) (*models.User, error)
}

type Jobs interface {
	Submit(ctx context.Context, user *models.User, req service.SubmitRequest) (*models.Job, error)
	HandleWebhook(ctx context.Context, body []byte) error
	Reconcile(ctx context.Context, userID int64, jobID string) (*models.Job, error)
	Cancel(ctx context.Context, userID int64, jobID string) (*models.Job, error)
	CancelAll(ctx context.Context, tool string) (int, error)
	Get(ctx context.Context, userID int64, jobID string) (*models.Job, error)
	List(ctx context.Context, userID int64, limit int) ([]models.Job, error)
	Active(ctx context.Context, userID int64) (*models.Job, error)
}

type Plans interface {
	List(ctx context.Context, activeOnly bool) ([]models.Plan, error)
	Create(ctx context.Context, input service.CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id int64, input service.UpdatePlanInput) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type Payments interface {
	CreatePayment(ctx context.Context, user *models.User, planID int64) (*service.PaymentLink, error)
	HandleYooKassaWebhook(ctx context.Context, payload []byte) error
}

type Promos interface {
	Apply(ctx context.Context, userID int64, code string) (int, error)
	List(ctx context.Context) ([]models.PromoCode, error)
	GetByID(ctx context.Context, id int64) (*models.PromoCode, error)
	Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error)
	Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error)
	Delete(ctx context.Context, id int64) error
}

type Referrals interface {
	Code(ctx context.Context, userID int64) (string, error)
	Apply(ctx context.Context, userID int64, code string) error
}

type Campaigns interface {
	Create(ctx context.Context, name, subject string, recipients int) (*models.Campaign, error)
	List(ctx context.Context, limit int) ([]models.Campaign, error)
	Get(ctx context.Context, id int64) (*models.Campaign, error)
	Start(ctx context.Context, id int64) (*models.Campaign, error)
	ReportProgress(ctx context.Context, id int64, sent int, done bool) (*models.Campaign, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, chatIDs []int64, text string) int
}

type Sweeper interface {
	Run(ctx context.Context, name string) error
	Tasks() []string
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer routes to. Broadcaster and
// Sweeper may be nil.
type Deps struct {
	Accounts    Accounts
	Jobs        Jobs
	Plans       Plans
	Payments    Payments
	Promos      Promos
	Referrals   Referrals
	Campaigns   Campaigns
	Hub         *realtime.Hub
	Broadcaster Broadcaster
	Sweeper     Sweeper
	DB          Pinger
}

type Server struct {
	cfg     config.Config
	log     *slog.Logger
	deps    Deps
	limiter *userLimiter
	router  *chi.Mux
}

func NewServer(cfg config.Config, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	s := &Server{
		cfg:     cfg,
		log:     log,
		deps:    deps,
		limiter: newUserLimiter(cfg.SubmitRatePerMinute, cfg.SubmitBurst),
		router:  r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/webhooks/runninghub", s.handleRunningHubWebhook)
	r.Post("/webhooks/yookassa", s.handleYooKassaWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.userAuthMiddleware)
		r.Get("/tools", s.handleListTools)
		r.Get("/me", s.handleMe)
		r.Put("/me/telegram", s.handleLinkTelegram)
		r.Get("/credits/history", s.handleCreditHistory)
		r.Get("/plans", s.handleListActivePlans)
		r.Post("/payments", s.handleCreatePayment)
		r.Post("/promo/apply", s.handleApplyPromo)
		r.Get("/referral/code", s.handleReferralCode)
		r.Post("/referral/apply", s.handleApplyReferral)
		r.Get("/realtime", s.handleRealtime)
		r.Route("/jobs", func(r chi.Router) {
			r.With(s.submitRateLimit).Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/active", s.handleActiveJob)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Post("/{id}/reconcile", s.handleReconcileJob)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.serviceKeyMiddleware)
		r.Post("/campaigns/{id}/progress", s.handleCampaignProgress)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.basicAuthMiddleware)
		r.Post("/broadcast", s.handleBroadcast)
		r.Post("/jobs/cancel-all", s.handleCancelAll)
		r.Post("/users/{id}/credits", s.handleGrantCredits)
		r.Get("/sweeps", s.handleListSweeps)
		r.Post("/sweeps/{name}", s.handleRunSweep)
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
		r.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
			r.Put("/{id}", s.handleUpdatePromo)
			r.Delete("/{id}", s.handleDeletePromo)
		})
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
