package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/digkill/arcano/internal/api"
	"github.com/digkill/arcano/internal/config"
	"github.com/digkill/arcano/internal/database"
	"github.com/digkill/arcano/internal/functions"
	"github.com/digkill/arcano/internal/metrics"
	"github.com/digkill/arcano/internal/realtime"
	"github.com/digkill/arcano/internal/repository"
	"github.com/digkill/arcano/internal/runninghub"
	"github.com/digkill/arcano/internal/scheduler"
	"github.com/digkill/arcano/internal/service"
	"github.com/digkill/arcano/internal/storage"
	"github.com/digkill/arcano/internal/telegram"
	"github.com/digkill/arcano/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	uploader, err := storage.NewUploader(cfg)
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}
	rhClient := runninghub.NewClient(cfg, logr)
	fnClient := functions.NewClient(cfg, logr)

	var notifier service.JobNotifier
	var broadcaster api.Broadcaster
	if cfg.TelegramBotToken != "" {
		tg, err := telegram.NewNotifier(cfg.TelegramBotToken, logr)
		if err != nil {
			log.Fatalf("telegram notifier: %v", err)
		}
		notifier, broadcaster = tg, tg
	} else {
		logr.Info("telegram notifications disabled")
	}

	hub := realtime.NewHub()
	hub.OnDrop(metrics.RecordRealtimeDrop)

	userRepo := repository.NewUserRepository(db)
	jobRepo := repository.NewJobRepository(db)
	creditRepo := repository.NewCreditRepository(db)
	premiumRepo := repository.NewPremiumRepository(db)
	planRepo := repository.NewPlanRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	promoRepo := repository.NewPromoRepository(db)
	referralRepo := repository.NewReferralRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)

	userService := service.NewUserService(logr, userRepo, creditRepo, premiumRepo)
	planService := service.NewPlanService(cfg, planRepo)
	jobService := service.NewJobService(cfg, logr, jobRepo, rhClient, uploader, userRepo, hub, notifier)
	paymentService := service.NewPaymentService(cfg, logr, paymentRepo, planRepo, creditRepo, premiumRepo)
	promoService := service.NewPromoService(promoRepo, cfg.PromoBonusCredits)
	referralService := service.NewReferralService(referralRepo, cfg.ReferralReferrerBonus, cfg.ReferralReferredBonus)
	campaignService := service.NewCampaignService(logr, campaignRepo, fnClient, cfg.CampaignSenderName, cfg.CampaignStallAfter, cfg.CampaignMaxResumes)

	if err := planService.EnsureDefaultPlan(ctx); err != nil {
		log.Fatalf("ensure default plan: %v", err)
	}

	sched := scheduler.New(logr)
	mustRegister(sched, "pending-watchdog", "@every 5s", jobService.FailStalePending)
	mustRegister(sched, "reconcile", "@every 15s", jobService.ReconcileActive)
	mustRegister(sched, "campaign-watchdog", "@every 20s", countTask(logr, "campaigns resumed", campaignService.ResumeStalled))
	mustRegister(sched, "expire-subscriptions", "@every 1h", countTask(logr, "subscriptions expired", userService.ExpireSubscriptions))

	server := api.NewServer(cfg, logr, api.Deps{
		Accounts:    userService,
		Jobs:        jobService,
		Plans:       planService,
		Payments:    paymentService,
		Promos:      promoService,
		Referrals:   referralService,
		Campaigns:   campaignService,
		Hub:         hub,
		Broadcaster: broadcaster,
		Sweeper:     sched,
		DB:          db,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("http server stopped", "err", err)
		stop()
	}
	wg.Wait()
}

func mustRegister(s *scheduler.Scheduler, name, spec string, fn scheduler.TaskFunc) {
	if err := s.Register(name, spec, fn); err != nil {
		log.Fatalf("register %s: %v", name, err)
	}
}

// countTask adapts a sweep that reports how much it did.
func countTask(logr *slog.Logger, msg string, fn func(context.Context) (int, error)) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		n, err := fn(ctx)
		if n > 0 {
			logr.Debug(msg, "count", n)
		}
		return err
	}
}
