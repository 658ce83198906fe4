package filewatcher

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"video-digest/app/logger"
	"video-digest/app/model"
	"video-digest/app/service"
	"video-digest/app/utils/pathhelper"

	"github.com/fsnotify/fsnotify"
)

const (
	inboxExt    = ".txt"
	doneExt     = ".done"
	rejectedExt = ".rejected"
)

// JobSubmitter 收件箱提交任务用的接口
type JobSubmitter interface {
	Submit(req service.SubmitRequest) (*service.SubmitResult, error)
}

// Inbox 监控收件箱目录，把 *.txt 文件里的每个链接提交为任务。
// 每行格式为 "链接 [模式]"，空行和 # 开头的行忽略。
// 处理完的文件改名为 .done，未能入队的行写入同名 .rejected 文件。
type Inbox struct {
	dir       string
	submitter JobSubmitter
	watcher   *fsnotify.Watcher
	logger    *logger.Logger

	checkInterval time.Duration
	maxWait       time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex
	inflight map[string]bool
}

// NewInbox 创建收件箱监控器
func NewInbox(dir string, submitter JobSubmitter, log *logger.Logger) (*Inbox, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &Inbox{
		dir:           dir,
		submitter:     submitter,
		watcher:       watcher,
		logger:        log.Named("inbox"),
		checkInterval: 500 * time.Millisecond,
		maxWait:       30 * time.Second,
		stopCh:        make(chan struct{}),
		inflight:      make(map[string]bool),
	}, nil
}

// Start 启动监控，并处理目录中已存在的文件
func (in *Inbox) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.watching {
		return fmt.Errorf("收件箱监控已经在运行")
	}

	if err := os.MkdirAll(in.dir, 0755); err != nil {
		return fmt.Errorf("创建收件箱目录失败: %w", err)
	}
	if err := in.watcher.Add(in.dir); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	in.watching = true
	in.wg.Add(2)
	go in.watchLoop()
	go func() {
		defer in.wg.Done()
		in.processExisting()
	}()

	in.logger.Infof("收件箱监控已启动，目录: %s", in.dir)
	return nil
}

// Stop 停止监控并等待正在处理的文件完成
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.watching {
		in.mu.Unlock()
		return nil
	}
	in.watching = false
	close(in.stopCh)
	in.mu.Unlock()

	err := in.watcher.Close()
	in.wg.Wait()
	in.logger.Info("收件箱监控已停止")
	return err
}

// watchLoop 监控事件循环
func (in *Inbox) watchLoop() {
	defer in.wg.Done()

	for {
		select {
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			in.handleEvent(event)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Errorf("收件箱监控错误: %v", err)

		case <-in.stopCh:
			return
		}
	}
}

// handleEvent 创建和写入事件都可能是新文件，重复事件由 inflight 去重
func (in *Inbox) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !isInboxFile(event.Name) {
		return
	}
	if !in.claim(event.Name) {
		return
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer in.release(event.Name)
		in.handleFile(event.Name)
	}()
}

func (in *Inbox) processExisting() {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		in.logger.Errorf("读取收件箱目录失败: %v", err)
		return
	}
	for _, entry := range entries {
		path := filepath.Join(in.dir, entry.Name())
		if entry.IsDir() || !isInboxFile(path) || !in.claim(path) {
			continue
		}
		in.handleFile(path)
		in.release(path)
	}
}

func (in *Inbox) claim(path string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.inflight[path] {
		return false
	}
	in.inflight[path] = true
	return true
}

func (in *Inbox) release(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.inflight, path)
}

func (in *Inbox) handleFile(path string) {
	if err := in.waitForFileReady(path); err != nil {
		// 文件已被改名或删除
		if os.IsNotExist(err) {
			return
		}
		in.logger.Warnf("等待文件就绪失败: %s, 错误: %v", path, err)
		return
	}

	accepted, rejected, err := in.processFile(path)
	if err != nil {
		in.logger.Errorf("处理收件箱文件失败: %s, 错误: %v", path, err)
		return
	}
	in.logger.Infof("收件箱文件处理完成: %s，提交 %d 个，拒绝 %d 个", filepath.Base(path), accepted, rejected)
}

// processFile 提交文件中的链接，返回成功和失败的数量
func (in *Inbox) processFile(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("打开文件失败: %w", err)
	}

	submitter := "inbox:" + filepath.Base(path)
	var (
		accepted int
		rejected []string
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		req := service.SubmitRequest{SourceURL: fields[0], Submitter: submitter}
		if len(fields) > 1 {
			req.Mode = model.AnalysisMode(fields[1])
		}

		res, err := in.submitter.Submit(req)
		if err != nil {
			in.logger.Warnf("提交失败: %s, 错误: %v", fields[0], err)
			rejected = append(rejected, fmt.Sprintf("%s\t# %v", line, err))
			continue
		}
		accepted++
		in.logger.Infof("已提交任务 %s: %s (队列位置 %d)", res.JobID, fields[0], res.Position)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return accepted, len(rejected), fmt.Errorf("读取文件失败: %w", scanErr)
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	if len(rejected) > 0 {
		if err := os.WriteFile(base+rejectedExt, []byte(strings.Join(rejected, "\n")+"\n"), 0644); err != nil {
			in.logger.Warnf("写入拒绝列表失败: %v", err)
		}
	}
	if err := os.Rename(path, base+doneExt); err != nil {
		return accepted, len(rejected), fmt.Errorf("移动文件失败: %w", err)
	}
	return accepted, len(rejected), nil
}

// waitForFileReady 等待文件大小稳定，认为写入完成
func (in *Inbox) waitForFileReady(path string) error {
	timeout := time.After(in.maxWait)
	var lastSize int64 = -1

	for {
		select {
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", path)
		case <-in.stopCh:
			return fmt.Errorf("收件箱监控已停止")
		case <-time.After(in.checkInterval):
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			currentSize := info.Size()
			if currentSize == lastSize && currentSize > 0 {
				return nil
			}
			lastSize = currentSize
		}
	}
}

func isInboxFile(path string) bool {
	name := filepath.Base(path)
	return pathhelper.HasExt(name, inboxExt) && !strings.HasPrefix(name, ".")
}
