package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"video-digest/app/bot"
	"video-digest/app/config"
	"video-digest/app/database"
	"video-digest/app/filewatcher"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/pipeline"
	"video-digest/app/server"
	"video-digest/app/service"
	"video-digest/app/utils/llm"
	"video-digest/app/utils/telegram"
	"video-digest/app/utils/whisper"
	"video-digest/app/utils/ytdlp"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()

		// 初始化数据库
		db, err := database.Open(cfg.Database.Path, log)
		if err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}
		defer database.Close(db)
		if err := database.EnsureAdmin(db, cfg.Server.Username, cfg.Server.Password, log); err != nil {
			log.Fatalf("初始化管理员失败: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queue := service.NewTaskQueue(cfg.Queue.Capacity)
		store := service.NewJobStore(db, log)
		jobs := service.NewJobService(queue, store, model.AnalysisMode(cfg.Queue.DefaultMode), log)
		if _, err := jobs.Restore(cfg.Queue.ResumeOnStart); err != nil {
			log.Fatalf("恢复未完成任务失败: %v", err)
		}

		// 通知渠道：tg:<chat id> 走 Telegram，其余写日志
		notifier := service.NewNotifierRouter(nil, log)
		var tg *telegram.Client
		if cfg.Telegram.Enabled {
			tg = telegram.New(cfg.Telegram, log)
			defer tg.Close()
			if me, err := tg.GetMe(ctx); err != nil {
				log.Warnf("Telegram 连接检查失败: %v", err)
			} else {
				log.Infof("Telegram 机器人: @%s", me.Username)
			}
			notifier.Register(bot.SubmitterPrefix, telegram.NewNotifier(tg))
		}

		runner, err := newRunner(cfg, notifier, log)
		if err != nil {
			log.Fatalf("创建流水线失败: %v", err)
		}

		pool := service.NewWorkerPool(queue, store, runner, notifier, service.WorkerOptions{
			Workers: cfg.Queue.Workers,
			Policy: pipeline.RetryPolicy{
				MaxAttempts: cfg.Queue.MaxAttempts,
				BaseDelay:   cfg.Queue.BackoffBase,
				MaxDelay:    cfg.Queue.BackoffMax,
			},
			NotifyProgress: cfg.Queue.NotifyProgress,
		}, log)
		pool.Start(ctx)

		retention := service.NewRetentionService(jobs, cfg.Server.WorkDir, cfg.Retention, log)
		if err := retention.Start(); err != nil {
			log.Fatalf("启动清理任务失败: %v", err)
		}

		var background sync.WaitGroup
		if tg != nil {
			b := bot.New(tg, telegram.NewNotifier(tg), jobs, cfg.Telegram.AllowedUsers, log)
			background.Add(1)
			go func() {
				defer background.Done()
				b.Run(ctx)
			}()
		}

		var inbox *filewatcher.Inbox
		if cfg.Inbox.Enabled {
			inbox, err = filewatcher.NewInbox(cfg.Inbox.Dir, jobs, log)
			if err != nil {
				log.Fatalf("创建收件箱监控失败: %v", err)
			}
			if err := inbox.Start(); err != nil {
				log.Fatalf("启动收件箱监控失败: %v", err)
			}
		}

		srv := server.New(cfg, db, jobs, log)

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		<-ctx.Done()
		log.Info("收到关闭信号，正在关闭服务器...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		if inbox != nil {
			if err := inbox.Stop(); err != nil {
				log.Warnf("停止收件箱监控失败: %v", err)
			}
		}
		background.Wait()
		retention.Stop()
		// 正在执行的阶段被中断，任务保留在非终态，下次启动时继续
		pool.Stop()
		log.Info("服务器已退出")
	},
}

// newRunner 组装五个阶段
func newRunner(cfg *config.Config, notifier pipeline.Notifier, log *logger.Logger) (*pipeline.Runner, error) {
	downloader := ytdlp.New(cfg.Downloader, log)
	transcriber := whisper.New(cfg.Transcriber, log)
	ai := llm.New(cfg.LLM, log)
	log.Infof("转写引擎: %s", transcriber.Describe())
	log.Infof("LLM: %s", ai.Describe())

	workDir := func(jobID string) string {
		return filepath.Join(cfg.Server.WorkDir, jobID)
	}

	timeouts := make(map[model.Stage]time.Duration, len(model.Stages))
	for _, stage := range model.Stages {
		timeouts[stage] = cfg.Stages.Timeout(string(stage))
	}

	return pipeline.NewRunner([]pipeline.Stage{
		pipeline.NewDownloadStage(downloader, workDir),
		pipeline.NewTranscribeStage(transcriber),
		pipeline.NewOptimizeStage(ai),
		pipeline.NewAnalyzeStage(ai),
		pipeline.NewNotifyStage(notifier),
	}, timeouts)
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
