package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LingByte/LingReach/cmd/bootstrap"
	"github.com/LingByte/LingReach/internal/handlers"
	"github.com/LingByte/LingReach/pkg/auth"
	"github.com/LingByte/LingReach/pkg/call"
	"github.com/LingByte/LingReach/pkg/config"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/handoff"
	"github.com/LingByte/LingReach/pkg/llm"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/notification"
	"github.com/LingByte/LingReach/pkg/recognizer"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/synthesizer"
	"github.com/LingByte/LingReach/pkg/telephony"
	"github.com/LingByte/LingReach/pkg/utils"
	"github.com/LingByte/LingReach/pkg/voice"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	initDB := flag.Bool("init", false, "initialize database")
	initSQL := flag.String("init-sql", "", "path to database init .sql script (optional)")
	flag.Parse()

	// 2. Set Environment Variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}
	// 3. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig
	if err := cfg.Validate(); err != nil {
		panic("invalid config: " + err.Error())
	}

	// 4. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 5. Print Banner
	if err := bootstrap.PrintBannerFromFile(os.Stdout, "banner.txt", cfg.Server.Name); err != nil {
		logger.Warn("print banner failed", zap.Error(err))
	}
	bootstrap.PrintStartup(os.Stdout, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Load Data Source
	db, err := bootstrap.SetupDatabase(os.Stdout, &bootstrap.Options{
		InitSQLPath: *initSQL,
		AutoMigrate: *initDB,
		SeedNonProd: *initDB,
	})
	if err != nil {
		logger.Error("database setup failed", zap.Error(err))
		return
	}

	// 7. Initialize Global Cache
	utils.InitGlobalCache(cfg.Outreach.DirectoryCacheSize, cfg.Outreach.DirectoryCacheTTL)

	// 8. Session Store
	var store session.Store
	if cfg.Redis.Memory {
		logger.Warn("using in-process session store, sessions do not survive a restart")
		store = session.NewMemoryStore(time.Now)
	} else {
		client, err := session.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			logger.Error("redis setup failed", zap.Error(err))
			return
		}
		defer client.Close()
		store = session.NewRedisStore(client)
	}

	// 9. Capabilities
	var (
		classifier dialog.Classifier
		extractor  auth.Extractor
	)
	if svc, err := llm.NewService(llm.DefaultConfig(), logrus.StandardLogger()); err != nil {
		logger.Warn("llm disabled, answers use keyword matching only", zap.Error(err))
	} else {
		classifier, extractor = svc, svc
	}

	var script *dialog.Script
	if cfg.Outreach.ScriptPath != "" {
		if script, err = dialog.LoadScript(cfg.Outreach.ScriptPath); err != nil {
			logger.Error("load dialog script failed", zap.String("path", cfg.Outreach.ScriptPath), zap.Error(err))
			return
		}
	}
	engine, err := dialog.NewEngine(script, classifier, cfg.Outreach.SlotMaxRetries)
	if err != nil {
		logger.Error("dialog engine setup failed", zap.Error(err))
		return
	}

	asr, err := recognizer.New(recognizer.Config{
		Provider:        cfg.Services.ASR.Provider,
		APIKey:          cfg.Services.ASR.APIKey,
		BaseURL:         cfg.Services.ASR.BaseURL,
		Model:           cfg.Services.ASR.Model,
		Endpointing:     cfg.Services.ASR.Endpointing,
		CredentialsFile: cfg.Services.ASR.CredentialsFile,
	})
	if err != nil {
		logger.Error("recognizer setup failed", zap.Error(err))
		return
	}
	tts, err := synthesizer.New(ctx, synthesizer.Config{
		Provider:        cfg.Services.TTS.Provider,
		APIKey:          cfg.Services.TTS.APIKey,
		BaseURL:         cfg.Services.TTS.BaseURL,
		Model:           cfg.Services.TTS.Model,
		APIVersion:      cfg.Services.TTS.APIVersion,
		VoiceEN:         cfg.Services.TTS.VoiceEN,
		VoiceES:         cfg.Services.TTS.VoiceES,
		Region:          cfg.Services.TTS.Region,
		CredentialsFile: cfg.Services.TTS.CredentialsFile,
	})
	if err != nil {
		logger.Error("synthesizer setup failed", zap.Error(err))
		return
	}

	carrier := telephony.NewTwilioClient(telephony.Config{
		AccountSID: cfg.Services.Twilio.AccountSID,
		AuthToken:  cfg.Services.Twilio.AuthToken,
		FromNumber: cfg.Services.Twilio.FromNumber,
		BaseURL:    cfg.Services.Twilio.BaseURL,
	})
	mailer := notification.NewMailer(cfg.Services.Mail, cfg.Outreach.NotificationEmail)
	m := metrics.NewMetrics("lingreach")

	// 10. Services
	hs := handoff.NewService(handoff.Config{
		FrontendURL: cfg.Outreach.FrontendURL,
		TokenTTL:    cfg.Outreach.TokenTTL,
	}, store, time.Now, engine, carrier, mailer, db, m)
	defer hs.Close()

	recorder := call.NewRecorder(db)
	defer recorder.Close()

	calls := call.NewService(call.Config{
		PublicURL:         cfg.Server.URL,
		APIPrefix:         cfg.Server.APIPrefix,
		SessionTTL:        cfg.Outreach.SessionTTL,
		NoInputLimit:      cfg.Outreach.NoInputLimit,
		AuthCeiling:       cfg.Outreach.AuthCeiling,
		AssessmentCeiling: cfg.Outreach.AssessmentCeiling,
		OptInCeiling:      cfg.Outreach.OptInCeiling,
		ClosingWait:       cfg.Outreach.ClosingWait,
		Voice: voice.Config{
			FrameDuration:    cfg.Outreach.FrameDuration,
			SilenceTimeout:   cfg.Outreach.SilenceTimeout,
			BargeInThreshold: cfg.Outreach.BargeInThreshold,
			BargeInDuration:  cfg.Outreach.BargeInDuration,
		},
	}, call.Deps{
		Store:       store,
		Clock:       time.Now,
		Engine:      engine,
		Matcher:     auth.NewMatcher(cfg.Outreach.LockoutThreshold, cfg.Outreach.RequiredMatches),
		Extractor:   extractor,
		Carrier:     carrier,
		Recognizer:  asr,
		Synthesizer: tts,
		Handoff:     hs,
		Directory:   call.NewDBDirectory(db),
		DB:          db,
		Recorder:    recorder,
		Metrics:     m,
	})

	// 11. HTTP Server
	if cfg.Server.Mode == constants.ENV_PRODUCTION {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	handlers.NewHandlers(handlers.Config{
		APIPrefix:       cfg.Server.APIPrefix,
		MonitorPrefix:   cfg.Server.MonitorPrefix,
		PublicURL:       cfg.Server.URL,
		TwilioAuthToken: cfg.Services.Twilio.AuthToken,
		DevMode:         cfg.Server.Mode == constants.ENV_DEVELOPMENT,
		EnableRateLimit: cfg.Middleware.EnableRateLimit,
		RateLimitRPS:    cfg.Middleware.RateLimit.IPRPS,
		RateLimitBurst:  cfg.Middleware.RateLimit.IPBurst,
		EnableTimeout:   cfg.Middleware.EnableTimeout,
		Timeout:         cfg.Middleware.Timeout.DefaultTimeout,
	}, calls, hs, m).Register(ctx, r)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", cfg.Server.SSLEnabled))
		var err error
		if cfg.Server.SSLEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.SSLCertFile, cfg.Server.SSLKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := calls.Shutdown(shutdownCtx); err != nil {
		logger.Warn("call legs did not finish", zap.Error(err))
	}
}
