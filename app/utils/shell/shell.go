package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Result 命令输出
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner 执行外部命令，测试中可以替换
type Runner func(ctx context.Context, name string, args ...string) (*Result, error)

// Run 执行命令并收集输出。命令以非零状态退出时同时返回 Result 和 *exec.ExitError。
func Run(ctx context.Context, name string, args ...string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, err
}

// Tail 取输出的最后 n 个字节，用于错误信息
func Tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.ToValidUTF8(string(b), "")
}
