package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"video-digest/app/config"
	"video-digest/app/database"
	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"

	"github.com/spf13/cobra"
)

var (
	listStatus string
	listLimit  int
	purgeDays  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "查看和清理任务记录",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出最近的任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		if _, err := store.Load(); err != nil {
			return err
		}

		status := model.JobStatus(strings.ToUpper(listStatus))
		if status != "" && !status.Valid() {
			return fmt.Errorf("无效的状态: %s", listStatus)
		}
		jobs, total := store.List(service.JobFilter{Status: status, Limit: listLimit})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\t状态\t提交者\t创建时间\t链接")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Status, job.Submitter,
				job.CreatedAt.Local().Format("2006-01-02 15:04"), job.SourceURL)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "共 %d 个任务\n", total)
		return nil
	},
}

var jobsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "删除指定天数之前结束的任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeDays <= 0 {
			return fmt.Errorf("--days 必须大于 0")
		}
		store, closeFn, err := openStore()
		if err != nil {
			return err
		}
		defer closeFn()
		if _, err := store.Load(); err != nil {
			return err
		}

		cutoff := time.Now().AddDate(0, 0, -purgeDays)
		ids, err := store.PurgeFinished([]model.JobStatus{
			model.JobStatusDone, model.JobStatusFailed, model.JobStatusCancelled,
		}, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "已删除 %d 个任务\n", len(ids))
		return nil
	},
}

// openStore 命令行工具只读写数据库，不启动队列
func openStore() (*service.JobStore, func(), error) {
	cfg := config.Load()
	log := logger.New(config.LogConfig{Level: "warn", Format: "text", Output: "stdout"})
	db, err := database.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, err
	}
	return service.NewJobStore(db, log), func() {
		database.Close(db)
		log.Close()
	}, nil
}

func init() {
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "按状态过滤，如 DONE、FAILED")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "最多显示的数量")
	jobsPurgeCmd.Flags().IntVar(&purgeDays, "days", 30, "删除多少天之前结束的任务")
	jobsCmd.AddCommand(jobsListCmd, jobsPurgeCmd)
	rootCmd.AddCommand(jobsCmd)
}
